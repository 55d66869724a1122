// Package transport owns the ICMP socket: opening and configuring it,
// sending datagrams and polling for received ones without blocking.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sryze/ping/internal/inet"
)

// ErrWouldBlock is returned by Receive when no datagram arrived within the
// allowed wait.
var ErrWouldBlock = errors.New("no datagram queued")

// MaxDatagram is large enough for any reply on the links ping runs over.
const MaxDatagram = 1024

// Conn is an ICMP socket bound to one address family.
type Conn interface {
	// Send writes b to dst and returns the number of bytes sent.
	Send(b []byte, dst inet.Destination) (int, error)
	// Receive reads one datagram into b, waiting at most wait for it to
	// arrive. A non-positive wait never blocks.
	Receive(b []byte, wait time.Duration) (Datagram, error)
	Close() error
}

// Datagram describes a received packet. Dst is the local address it was
// delivered to, known only for IPv6 when packet info is enabled.
type Datagram struct {
	N   int
	Src netip.Addr
	Dst netip.Addr
}

// Kind selects the socket implementation.
type Kind string

const (
	// KindRaw uses a raw socket driven directly through system calls.
	KindRaw Kind = "raw"
	// KindICMP uses the x/net icmp packet connection.
	KindICMP Kind = "icmp"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRaw, KindICMP:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown transport %q (must be raw or icmp)", s)
	}
}

// OpError records which socket operation failed. Its text has the form
// "<op>: <error>".
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

type listenPacketFunc func(network, address string) (net.PacketConn, error)

type Options struct {
	ListenPacket listenPacketFunc
}

// Open creates and configures a socket of the given kind for fam.
func Open(kind Kind, fam inet.Family) (Conn, error) {
	return OpenWithOptions(kind, fam, Options{})
}

func OpenWithOptions(kind Kind, fam inet.Family, opts Options) (Conn, error) {
	if !fam.Valid() {
		return nil, fmt.Errorf("open: unsupported %v", fam)
	}
	switch kind {
	case KindRaw:
		return openRaw(fam, opts)
	case KindICMP, "":
		c, err := openNetConn(fam, opts.ListenPacket)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("open: unknown transport %q", kind)
	}
}

func addrFromNet(a net.Addr) netip.Addr {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	default:
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
