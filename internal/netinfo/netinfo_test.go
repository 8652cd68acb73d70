package netinfo

import (
	"net"
	"testing"
)

func TestFromIPNet(t *testing.T) {
	cases := []struct {
		name   string
		ipnet  *net.IPNet
		want   Network
		wantOK bool
	}{
		{
			name:   "class c",
			ipnet:  &net.IPNet{IP: net.ParseIP("192.168.1.42"), Mask: net.CIDRMask(24, 32)},
			want:   Network{Name: "eth0", Address: "192.168.1.42", Netmask: "255.255.255.0", CIDR: 24, Network: "192.168.1.0"},
			wantOK: true,
		},
		{
			name:   "odd prefix",
			ipnet:  &net.IPNet{IP: net.ParseIP("10.1.200.7").To4(), Mask: net.CIDRMask(20, 32)},
			want:   Network{Name: "eth0", Address: "10.1.200.7", Netmask: "255.255.240.0", CIDR: 20, Network: "10.1.192.0"},
			wantOK: true,
		},
		{
			name:  "ipv6",
			ipnet: &net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		},
		{
			name:  "loopback",
			ipnet: &net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FromIPNet("eth0", tc.ipnet)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestLocalSkipsLoopback(t *testing.T) {
	nets, err := Local()
	if err != nil {
		t.Fatalf("Local: %v", err)
	}
	for _, n := range nets {
		if n.Address == "127.0.0.1" {
			t.Fatalf("loopback reported: %+v", n)
		}
	}
}
