package transport

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/sryze/ping/internal/inet"
)

// PacketConnV4 matches the *ipv4.PacketConn methods used here.
type PacketConnV4 interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	SetControlMessage(cf ipv4.ControlFlags, on bool) error
}

// PacketConnV6 matches the *ipv6.PacketConn methods used here.
type PacketConnV6 interface {
	ReadFrom(b []byte) (int, *ipv6.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	SetControlMessage(cf ipv6.ControlFlags, on bool) error
}

// Deadlines that have already passed fail reads before the socket is even
// looked at, so every receive waits at least this long.
const minReadWait = time.Millisecond

// netConn is the portable transport built on x/net. The non-blocking
// receive is emulated with short read deadlines.
type netConn struct {
	fam    inet.Family
	connV4 PacketConnV4
	connV6 PacketConnV6
}

func listenICMP(network, address string) (net.PacketConn, error) {
	return icmp.ListenPacket(network, address)
}

func openNetConn(fam inet.Family, listen listenPacketFunc) (*netConn, error) {
	if listen == nil {
		listen = listenICMP
	}
	bindAddr := "0.0.0.0"
	if fam == inet.V6 {
		bindAddr = "::"
	}
	c, err := listen(fam.Network(), bindAddr)
	if err != nil {
		return nil, &OpError{Op: "socket", Err: err}
	}

	if fam == inet.V4 {
		var pc *ipv4.PacketConn
		if ic, ok := c.(*icmp.PacketConn); ok {
			pc = ic.IPv4PacketConn()
		} else {
			pc = ipv4.NewPacketConn(c)
		}
		return newNetConnV4(pc), nil
	}

	var pc *ipv6.PacketConn
	if ic, ok := c.(*icmp.PacketConn); ok {
		pc = ic.IPv6PacketConn()
	} else {
		pc = ipv6.NewPacketConn(c)
	}
	nc := newNetConnV6(pc)
	if err := nc.setReceiveMetadata(); err != nil {
		c.Close()
		return nil, err
	}
	return nc, nil
}

func newNetConnV4(c PacketConnV4) *netConn {
	return &netConn{fam: inet.V4, connV4: c}
}

func newNetConnV6(c PacketConnV6) *netConn {
	return &netConn{fam: inet.V6, connV6: c}
}

// setReceiveMetadata asks for the destination address of every datagram.
// It is needed to rebuild the ICMPv6 pseudo-header of a reply.
func (c *netConn) setReceiveMetadata() error {
	if c.fam != inet.V6 {
		return nil
	}
	if err := c.connV6.SetControlMessage(ipv6.FlagDst, true); err != nil {
		return &OpError{Op: "setsockopt", Err: err}
	}
	return nil
}

func (c *netConn) Send(b []byte, dst inet.Destination) (int, error) {
	var (
		n   int
		err error
	)
	if c.fam == inet.V4 {
		n, err = c.connV4.WriteTo(b, nil, dst.IPAddr())
	} else {
		n, err = c.connV6.WriteTo(b, nil, dst.IPAddr())
	}
	if err != nil {
		return n, &OpError{Op: "sendto", Err: err}
	}
	return n, nil
}

func (c *netConn) Receive(b []byte, wait time.Duration) (Datagram, error) {
	if wait < minReadWait {
		wait = minReadWait
	}
	deadline := time.Now().Add(wait)

	var (
		n   int
		src net.Addr
		dst netip.Addr
		err error
	)
	if c.fam == inet.V4 {
		_ = c.connV4.SetReadDeadline(deadline)
		n, _, src, err = c.connV4.ReadFrom(b)
	} else {
		var cm *ipv6.ControlMessage
		_ = c.connV6.SetReadDeadline(deadline)
		n, cm, src, err = c.connV6.ReadFrom(b)
		if cm != nil {
			if a, ok := netip.AddrFromSlice(cm.Dst); ok {
				dst = a.Unmap()
			}
		}
	}
	if err != nil {
		if isTimeout(err) {
			return Datagram{}, ErrWouldBlock
		}
		return Datagram{}, &OpError{Op: "recvmsg", Err: err}
	}
	return Datagram{N: n, Src: addrFromNet(src), Dst: dst}, nil
}

func (c *netConn) Close() error {
	if c.fam == inet.V4 {
		return c.connV4.Close()
	}
	return c.connV6.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
