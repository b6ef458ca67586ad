package service

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"fabrichost"
)

// Resolver resolves a host name to its addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ Resolver = (*net.Resolver)(nil)

// SelectAdvertisableAddress picks the address a node advertises to its peers:
// the first IPv4 address outside 169.254.0.0/16, or failing that the first
// IPv6 address outside fe80::/10. An IP literal is not resolved but is still
// subject to the same rules.
func SelectAdvertisableAddress(ctx context.Context, resolver Resolver, host string) (netip.Addr, error) {
	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addrs, err = resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
		}
	}

	if addr, ok := selectAddress(addrs); ok {
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: host %s resolved to %v", fabrichost.ErrNoAddressAvailable, host, addrs)
}

func selectAddress(addrs []netip.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() && !isIPv4LinkLocal(a) {
			return a, true
		}
	}
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is6() && !a.IsLinkLocalUnicast() {
			return a.WithZone(""), true
		}
	}
	return netip.Addr{}, false
}

func isIPv4LinkLocal(a netip.Addr) bool {
	b := a.As4()
	return b[0] == 169 && b[1] == 254
}
