package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrDenied = errors.New("client network policy: denied")

// ClientPolicy decides which source addresses may open a signaling
// connection.
//
// Evaluation order:
//  1. CIDR denylist
//  2. CIDR allowlist (if configured)
//  3. LAN ranges (when LANOnly is set), otherwise allow
//
// Deny rules always override allow rules. A nil policy allows everything.
type ClientPolicy struct {
	// LANOnly admits only loopback, RFC1918, CGNAT, link-local and IPv6 ULA
	// sources.
	LANOnly bool

	AllowCIDRs []netip.Prefix
	DenyCIDRs  []netip.Prefix
}

func NewLANPolicy() *ClientPolicy {
	return &ClientPolicy{LANOnly: true}
}

func (p *ClientPolicy) Allow(addr netip.Addr) error {
	if p == nil {
		return nil
	}
	if !addr.IsValid() {
		return fmt.Errorf("%w: invalid source address", ErrDenied)
	}
	addr = addr.Unmap()

	if inPrefixes(addr, p.DenyCIDRs) {
		return fmt.Errorf("%w: %s matches a deny rule", ErrDenied, addr)
	}
	if len(p.AllowCIDRs) > 0 {
		if inPrefixes(addr, p.AllowCIDRs) {
			return nil
		}
		return fmt.Errorf("%w: %s not in allowlist", ErrDenied, addr)
	}
	if p.LANOnly && !inPrefixes(addr, lanPrefixes) {
		return fmt.Errorf("%w: %s is not a LAN address", ErrDenied, addr)
	}
	return nil
}

// AllowString parses host (an IP literal, optionally with a zone) and
// evaluates it.
func (p *ClientPolicy) AllowString(host string) error {
	if p == nil {
		return nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unparseable source %q", ErrDenied, host)
	}
	return p.Allow(addr.WithZone(""))
}

// ParseCIDRList parses a comma-separated CIDR list. Bare addresses are
// accepted as single-host prefixes.
func ParseCIDRList(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

func inPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var lanPrefixes = []netip.Prefix{
	// loopback
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	// link-local
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	// RFC1918 private
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	// CGNAT
	netip.MustParsePrefix("100.64.0.0/10"),
	// unique local addresses (RFC4193)
	netip.MustParsePrefix("fc00::/7"),
}
