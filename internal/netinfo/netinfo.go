// Package netinfo reports the local IPv4 networks the signaling server is
// reachable on, so clients can show which LAN they are talking over.
package netinfo

import (
	"fmt"
	"math/bits"
	"net"
)

type Network struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	CIDR    int    `json:"cidr"`
	Network string `json:"network"`
}

// Local lists non-loopback IPv4 addresses of interfaces that are up.
func Local() ([]Network, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []Network
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if n, ok := FromIPNet(iface.Name, ipnet); ok {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// FromIPNet describes one interface address. It reports false for anything
// that is not a non-loopback IPv4 address.
func FromIPNet(name string, ipnet *net.IPNet) (Network, bool) {
	ip4 := ipnet.IP.To4()
	if ip4 == nil || ip4.IsLoopback() {
		return Network{}, false
	}
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return Network{}, false
	}
	ones := 0
	for _, b := range mask {
		ones += bits.OnesCount8(b)
	}
	return Network{
		Name:    name,
		Address: ip4.String(),
		Netmask: net.IP(mask).String(),
		CIDR:    ones,
		Network: ip4.Mask(mask).String(),
	}, true
}
