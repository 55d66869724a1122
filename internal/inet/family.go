package inet

import (
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Family selects the per-IP-version ICMP policy. It is chosen once when the
// destination is resolved and never re-derived per packet.
type Family int

const (
	V4 Family = 4
	V6 Family = 6
)

const ipv4HeaderMinLen = 20

func (f Family) String() string {
	switch f {
	case V4:
		return "IPv4"
	case V6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// Valid reports whether f is one of V4 or V6.
func (f Family) Valid() bool {
	return f == V4 || f == V6
}

// RequestType is the ICMP type of an echo request for this family.
func (f Family) RequestType() byte {
	if f == V6 {
		return byte(ipv6.ICMPTypeEchoRequest)
	}
	return byte(ipv4.ICMPTypeEcho)
}

// ReplyType is the only ICMP type accepted as an echo reply for this family.
func (f Family) ReplyType() byte {
	if f == V6 {
		return byte(ipv6.ICMPTypeEchoReply)
	}
	return byte(ipv4.ICMPTypeEchoReply)
}

// Protocol returns the IANA protocol number carried in the IP header
// (1 for ICMP, 58 for ICMPv6).
func (f Family) Protocol() int {
	if f == V6 {
		return ipv6.ICMPTypeEchoRequest.Protocol()
	}
	return ipv4.ICMPTypeEcho.Protocol()
}

// NeedsPseudoHeader reports whether the checksum covers an IPv6 pseudo-header.
func (f Family) NeedsPseudoHeader() bool {
	return f == V6
}

// Network is the net.ListenPacket network name for a raw ICMP socket.
func (f Family) Network() string {
	if f == V6 {
		return "ip6:ipv6-icmp"
	}
	return "ip4:icmp"
}

// ResolveNetwork is the network name passed to the resolver.
func (f Family) ResolveNetwork() string {
	if f == V6 {
		return "ip6"
	}
	return "ip4"
}

// HeaderOffset returns where the ICMP message starts in a received buffer.
// Raw IPv4 sockets usually deliver the IP header in front of the ICMP
// message; its length is the IHL nibble times four. IPv6 raw sockets never
// include the IP header.
func (f Family) HeaderOffset(b []byte) int {
	if f != V4 || len(b) < ipv4HeaderMinLen || b[0]>>4 != 4 {
		return 0
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4HeaderMinLen || ihl > len(b) {
		return 0
	}
	return ihl
}
