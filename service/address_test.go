package service

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"fabrichost"
)

type fakeResolver struct {
	addrs []netip.Addr
	err   error
	calls int
}

func (f *fakeResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	f.calls++
	return f.addrs, f.err
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestSelectAdvertisableAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resolved []netip.Addr
		want     string
	}{
		{"skips ipv4 link-local", addrs("169.254.1.1", "10.0.0.5", "fe80::1"), "10.0.0.5"},
		{"ipv4 before ipv6", addrs("2001:db8::1", "192.168.1.10"), "192.168.1.10"},
		{"ipv6 fallback", addrs("169.254.9.9", "fe80::1", "2001:db8::7"), "2001:db8::7"},
		{"unmaps ipv4-mapped", addrs("::ffff:10.1.2.3"), "10.1.2.3"},
		{"first match wins", addrs("10.0.0.1", "10.0.0.2"), "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &fakeResolver{addrs: tt.resolved}
			got, err := SelectAdvertisableAddress(context.Background(), r, "node0")
			if err != nil {
				t.Fatalf("SelectAdvertisableAddress() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("SelectAdvertisableAddress() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSelectAdvertisableAddress_NoneAvailable(t *testing.T) {
	t.Parallel()

	for _, resolved := range [][]netip.Addr{
		addrs("169.254.1.1", "fe80::1"),
		nil,
	} {
		r := &fakeResolver{addrs: resolved}
		_, err := SelectAdvertisableAddress(context.Background(), r, "node0")
		if !errors.Is(err, fabrichost.ErrNoAddressAvailable) {
			t.Errorf("SelectAdvertisableAddress(%v) error = %v, want ErrNoAddressAvailable", resolved, err)
		}
	}
}

func TestSelectAdvertisableAddress_LiteralSkipsLookup(t *testing.T) {
	t.Parallel()

	r := &fakeResolver{err: errors.New("must not resolve")}
	got, err := SelectAdvertisableAddress(context.Background(), r, "10.0.0.9")
	if err != nil {
		t.Fatalf("SelectAdvertisableAddress() error = %v", err)
	}
	if got != netip.MustParseAddr("10.0.0.9") {
		t.Errorf("SelectAdvertisableAddress() = %s, want 10.0.0.9", got)
	}
	if r.calls != 0 {
		t.Errorf("resolver calls = %d, want 0", r.calls)
	}

	if _, err := SelectAdvertisableAddress(context.Background(), r, "169.254.0.1"); !errors.Is(err, fabrichost.ErrNoAddressAvailable) {
		t.Errorf("link-local literal error = %v, want ErrNoAddressAvailable", err)
	}
}

func TestSelectAdvertisableAddress_ResolveError(t *testing.T) {
	t.Parallel()

	dnsErr := errors.New("no such host")
	_, err := SelectAdvertisableAddress(context.Background(), &fakeResolver{err: dnsErr}, "nowhere")
	if !errors.Is(err, dnsErr) {
		t.Errorf("error = %v, want resolver error", err)
	}
}
