package inet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrNoAddress is returned when a lookup succeeds but yields no address of
// the requested family.
var ErrNoAddress = errors.New("no address associated with hostname")

type lookupNetIPFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Resolver turns a hostname into a Destination and finds the local address
// the kernel would use to reach it.
type Resolver struct {
	lookup lookupNetIPFunc
	dial   dialFunc
}

type ResolverOptions struct {
	LookupNetIP lookupNetIPFunc
	Dial        dialFunc
}

func NewResolver() *Resolver {
	return NewResolverWithOptions(ResolverOptions{})
}

func NewResolverWithOptions(opts ResolverOptions) *Resolver {
	lookup := opts.LookupNetIP
	if lookup == nil {
		lookup = net.DefaultResolver.LookupNetIP
	}
	dial := opts.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Resolver{lookup: lookup, dial: dial}
}

// Resolve looks host up in the requested family. A zero family means "any":
// IPv4 is tried first and IPv6 only when the IPv4 lookup fails.
func (r *Resolver) Resolve(ctx context.Context, host string, fam Family) (Destination, error) {
	if host == "" {
		return Destination{}, fmt.Errorf("resolve: empty hostname")
	}
	switch fam {
	case V4, V6:
		return r.resolveFamily(ctx, host, fam)
	case 0:
		dst, err := r.resolveFamily(ctx, host, V4)
		if err == nil {
			return dst, nil
		}
		return r.resolveFamily(ctx, host, V6)
	default:
		return Destination{}, fmt.Errorf("resolve %s: unsupported %v", host, fam)
	}
}

func (r *Resolver) resolveFamily(ctx context.Context, host string, fam Family) (Destination, error) {
	addrs, err := r.lookup(ctx, fam.ResolveNetwork(), host)
	if err != nil {
		return Destination{}, err
	}
	for _, a := range addrs {
		dst := NewDestination(host, a)
		if dst.Family == fam {
			return dst, nil
		}
	}
	return Destination{}, fmt.Errorf("%s: %w", host, ErrNoAddress)
}

// LocalSource returns the source address chosen by the routing table for
// packets towards dst. Connecting a UDP socket sends nothing on the wire.
func (r *Resolver) LocalSource(ctx context.Context, dst Destination) (netip.Addr, error) {
	network := "udp4"
	if dst.Family == V6 {
		network = "udp6"
	}
	conn, err := r.dial(ctx, network, netip.AddrPortFrom(dst.Addr, 80).String())
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("invalid local address %v", udp.IP)
	}
	return addr.Unmap(), nil
}
