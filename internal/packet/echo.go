// Package packet encodes ICMP and ICMPv6 echo requests and decodes echo
// replies using explicit fixed-offset reads and writes.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"

	"github.com/sryze/ping/internal/inet"
)

// HeaderLen is the size of an echo header. Requests carry no payload.
const HeaderLen = 8

// Offsets inside the echo header.
const (
	offType     = 0
	offCode     = 1
	offChecksum = 2
	offID       = 4
	offSeq      = 6
)

const pseudoHeaderLen = 40

var (
	ErrNotEchoReply = errors.New("not an echo reply")
	ErrTruncated    = errors.New("truncated ICMP message")
)

// EchoReply is a decoded echo reply. Message holds a private copy of the ICMP
// bytes as received, checksum included, for later verification.
type EchoReply struct {
	Type     byte
	Code     byte
	Checksum uint16
	ID       uint16
	Seq      uint16
	Message  []byte
}

// BuildEchoRequest returns the 8-byte echo request for fam with its checksum
// filled in. src and dst are only used for the IPv6 pseudo-header.
func BuildEchoRequest(fam inet.Family, id, seq uint16, src, dst netip.Addr) []byte {
	b := make([]byte, HeaderLen)
	b[offType] = fam.RequestType()
	b[offCode] = 0
	binary.BigEndian.PutUint16(b[offChecksum:], 0)
	binary.BigEndian.PutUint16(b[offID:], id)
	binary.BigEndian.PutUint16(b[offSeq:], seq)

	binary.BigEndian.PutUint16(b[offChecksum:], messageChecksum(fam, b, src, dst))
	return b
}

// ParseEchoReply decodes the echo reply contained in raw. For IPv4 a leading
// IP header is skipped. Any type other than the family's echo reply yields
// ErrNotEchoReply; raw sockets see unrelated ICMP traffic too.
func ParseEchoReply(raw []byte, fam inet.Family) (EchoReply, error) {
	msg := raw[fam.HeaderOffset(raw):]
	if len(msg) < HeaderLen {
		return EchoReply{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(msg))
	}
	if msg[offType] != fam.ReplyType() {
		return EchoReply{}, fmt.Errorf("%w: type %d", ErrNotEchoReply, msg[offType])
	}
	return EchoReply{
		Type:     msg[offType],
		Code:     msg[offCode],
		Checksum: binary.BigEndian.Uint16(msg[offChecksum:]),
		ID:       binary.BigEndian.Uint16(msg[offID:]),
		Seq:      binary.BigEndian.Uint16(msg[offSeq:]),
		Message:  append([]byte(nil), msg...),
	}, nil
}

// PseudoHeader builds the IPv6 pseudo-header that prefixes an ICMPv6 message
// for checksum purposes (RFC 8200 section 8.1). It is never transmitted.
func PseudoHeader(src, dst netip.Addr, length int) []byte {
	psh := icmp.IPv6PseudoHeader(src.AsSlice(), dst.AsSlice())
	binary.BigEndian.PutUint32(psh[2*16:], uint32(length))
	return psh
}

// Verification is the outcome of recomputing a received checksum.
type Verification struct {
	Stored   uint16
	Computed uint16
}

func (v Verification) OK() bool {
	return v.Stored == v.Computed
}

// String is the annotation appended to a reply line, empty when the
// checksum matches.
func (v Verification) String() string {
	if v.OK() {
		return ""
	}
	return fmt.Sprintf(" (checksum mismatch: %04x != %04x)", v.Computed, v.Stored)
}

// VerifyChecksum recomputes the checksum of r with its checksum field zeroed.
// For IPv6 the pseudo-header runs from src (the replying peer) to dst (the
// local address the reply was delivered to).
func VerifyChecksum(r EchoReply, fam inet.Family, src, dst netip.Addr) Verification {
	if len(r.Message) < HeaderLen {
		return Verification{Stored: r.Checksum, Computed: ^r.Checksum}
	}
	msg := append([]byte(nil), r.Message...)
	binary.BigEndian.PutUint16(msg[offChecksum:], 0)
	return Verification{
		Stored:   r.Checksum,
		Computed: messageChecksum(fam, msg, src, dst),
	}
}

func messageChecksum(fam inet.Family, msg []byte, src, dst netip.Addr) uint16 {
	if !fam.NeedsPseudoHeader() {
		return Checksum(msg)
	}
	buf := make([]byte, 0, pseudoHeaderLen+len(msg))
	buf = append(buf, PseudoHeader(src, dst, len(msg))...)
	buf = append(buf, msg...)
	return Checksum(buf)
}
