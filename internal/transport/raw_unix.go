//go:build linux || darwin || freebsd || netbsd || openbsd

package transport

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/sryze/ping/internal/inet"
)

const oobSize = 128

// rawConn is a SOCK_RAW socket in non-blocking mode.
type rawConn struct {
	fd  int
	fam inet.Family
	oob []byte
}

func openRaw(fam inet.Family, _ Options) (Conn, error) {
	domain := unix.AF_INET
	if fam == inet.V6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_RAW, fam.Protocol())
	if err != nil {
		return nil, &OpError{Op: "socket", Err: err}
	}
	c := &rawConn{fd: fd, fam: fam, oob: make([]byte, oobSize)}
	if err := c.setNonBlocking(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := c.setReceiveMetadata(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

func (c *rawConn) setNonBlocking() error {
	if err := unix.SetNonblock(c.fd, true); err != nil {
		return &OpError{Op: "setnonblock", Err: err}
	}
	return nil
}

// setReceiveMetadata enables IPV6_PKTINFO delivery so the local address of
// each reply is known. IPv4 needs nothing.
func (c *rawConn) setReceiveMetadata() error {
	if c.fam != inet.V6 {
		return nil
	}
	if err := unix.SetsockoptInt(c.fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return &OpError{Op: "setsockopt", Err: err}
	}
	return nil
}

func (c *rawConn) Send(b []byte, dst inet.Destination) (int, error) {
	if err := unix.Sendto(c.fd, b, 0, sockaddr(dst)); err != nil {
		return 0, &OpError{Op: "sendto", Err: err}
	}
	return len(b), nil
}

func (c *rawConn) Receive(b []byte, wait time.Duration) (Datagram, error) {
	if wait > 0 {
		ready, err := c.poll(wait)
		if err != nil {
			return Datagram{}, &OpError{Op: "poll", Err: err}
		}
		if !ready {
			return Datagram{}, ErrWouldBlock
		}
	}

	n, oobn, _, from, err := unix.Recvmsg(c.fd, b, c.oob, 0)
	if err != nil {
		if wouldBlock(err) {
			return Datagram{}, ErrWouldBlock
		}
		return Datagram{}, &OpError{Op: "recvmsg", Err: err}
	}

	d := Datagram{N: n, Src: addrFromSockaddr(from)}
	if c.fam == inet.V6 && oobn > 0 {
		d.Dst = packetInfoDst(c.oob[:oobn])
	}
	return d, nil
}

func (c *rawConn) poll(wait time.Duration) (bool, error) {
	ms := int((wait + time.Millisecond - 1) / time.Millisecond)
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func sockaddr(dst inet.Destination) unix.Sockaddr {
	if dst.Family == inet.V4 {
		return &unix.SockaddrInet4{Addr: dst.Addr.As4()}
	}
	return &unix.SockaddrInet6{Addr: dst.Addr.As16(), ZoneId: zoneIndex(dst.Addr.Zone())}
}

func zoneIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	return 0
}

func addrFromSockaddr(sa unix.Sockaddr) netip.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(v.Addr)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(v.Addr).Unmap()
	default:
		return netip.Addr{}
	}
}

// packetInfoDst extracts the IPV6_PKTINFO destination address from a
// control message buffer.
func packetInfoDst(oob []byte) netip.Addr {
	var cm ipv6.ControlMessage
	if err := cm.Parse(oob); err != nil {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(cm.Dst)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
