package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/sryze/ping/internal/inet"
)

var (
	srcV6 = netip.MustParseAddr("2001:db8::100")
	dstV6 = netip.MustParseAddr("2001:db8::1")
)

func TestChecksumRFC1071Example(t *testing.T) {
	// RFC 1071 section 3: the one's complement sum of these words is 0xddf2.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got, want := Checksum(b), uint16(^uint16(0xddf2)); got != want {
		t.Fatalf("Checksum: got %04x, want %04x", got, want)
	}
}

func TestChecksumOddLength(t *testing.T) {
	// A trailing byte is the high half of a zero-padded word.
	odd := []byte{0x12, 0x34, 0x56}
	padded := []byte{0x12, 0x34, 0x56, 0x00}
	if Checksum(odd) != Checksum(padded) {
		t.Fatalf("odd: %04x, padded: %04x", Checksum(odd), Checksum(padded))
	}
}

func TestChecksumCarryFolding(t *testing.T) {
	b := []byte{0xff, 0xff, 0xff, 0xff, 0x00, 0x01}
	// 0x1ffff folds to 0x10000, which folds again to 0x0001.
	if got := Checksum(b); got != ^uint16(0x0001) {
		t.Fatalf("Checksum: got %04x", got)
	}
	if got := Checksum(nil); got != 0xffff {
		t.Fatalf("empty: got %04x", got)
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	bufs := [][]byte{
		{8, 0, 0xaa, 0xbb, 0x04, 0xd2, 0x00, 0x00},
		{0, 0, 0x12, 0x34, 0xff, 0xff, 0xff, 0xfe, 1, 2, 3, 4},
		make([]byte, 64),
	}
	for i, b := range bufs {
		binary.BigEndian.PutUint16(b[2:], 0)
		first := Checksum(b)
		binary.BigEndian.PutUint16(b[2:], first)
		if Checksum(b) != 0 {
			t.Fatalf("buf %d: checksum over filled buffer should be zero, got %04x", i, Checksum(b))
		}
		binary.BigEndian.PutUint16(b[2:], 0)
		if second := Checksum(b); second != first {
			t.Fatalf("buf %d: round trip %04x != %04x", i, second, first)
		}
	}
}

func TestBuildEchoRequestV4(t *testing.T) {
	b := BuildEchoRequest(inet.V4, 1234, 7, netip.Addr{}, netip.MustParseAddr("192.0.2.1"))
	if len(b) != HeaderLen {
		t.Fatalf("len: got %d", len(b))
	}
	if b[0] != 8 || b[1] != 0 {
		t.Fatalf("type/code: got %d/%d", b[0], b[1])
	}
	if id := binary.BigEndian.Uint16(b[4:]); id != 1234 {
		t.Fatalf("id: got %d", id)
	}
	if seq := binary.BigEndian.Uint16(b[6:]); seq != 7 {
		t.Fatalf("seq: got %d", seq)
	}
	if Checksum(b) != 0 {
		t.Fatalf("checksum does not validate: %x", b)
	}
}

func TestBuildEchoRequestMatchesXNet(t *testing.T) {
	tests := []struct {
		name string
		fam  inet.Family
		typ  icmp.Type
		psh  func() []byte
	}{
		{"v4", inet.V4, ipv4.ICMPTypeEcho, func() []byte { return nil }},
		{"v6", inet.V6, ipv6.ICMPTypeEchoRequest, func() []byte {
			return icmp.IPv6PseudoHeader(srcV6.AsSlice(), dstV6.AsSlice())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := icmp.Message{Type: tt.typ, Code: 0, Body: &icmp.Echo{ID: 0xbeef, Seq: 513}}
			want, err := msg.Marshal(tt.psh())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got := BuildEchoRequest(tt.fam, 0xbeef, 513, srcV6, dstV6)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("request bytes (-x/net +ours):\n%s", diff)
			}
		})
	}
}

func TestBuildEchoRequestMatchesGopacket(t *testing.T) {
	layer := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       42,
		Seq:      65535,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, layer); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := BuildEchoRequest(inet.V4, 42, 65535, netip.Addr{}, netip.Addr{})
	if diff := cmp.Diff(buf.Bytes(), got); diff != "" {
		t.Fatalf("request bytes (-gopacket +ours):\n%s", diff)
	}
}

func TestGopacketDecodesRequests(t *testing.T) {
	v4 := BuildEchoRequest(inet.V4, 1234, 0, netip.Addr{}, netip.Addr{})
	pkt := gopacket.NewPacket(v4, layers.LayerTypeICMPv4, gopacket.Default)
	l, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("no ICMPv4 layer: %v", pkt.ErrorLayer())
	}
	if l.TypeCode.Type() != layers.ICMPv4TypeEchoRequest || l.Id != 1234 || l.Seq != 0 {
		t.Fatalf("decoded v4: type=%d id=%d seq=%d", l.TypeCode.Type(), l.Id, l.Seq)
	}

	v6 := BuildEchoRequest(inet.V6, 4321, 9, srcV6, dstV6)
	pkt = gopacket.NewPacket(v6, layers.LayerTypeICMPv6, gopacket.Default)
	l6, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok {
		t.Fatalf("no ICMPv6 layer: %v", pkt.ErrorLayer())
	}
	if l6.TypeCode.Type() != layers.ICMPv6TypeEchoRequest {
		t.Fatalf("decoded v6 type: %d", l6.TypeCode.Type())
	}
	echo, ok := pkt.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo)
	if !ok {
		t.Fatal("no ICMPv6Echo layer")
	}
	if echo.Identifier != 4321 || echo.SeqNumber != 9 {
		t.Fatalf("decoded v6 echo: id=%d seq=%d", echo.Identifier, echo.SeqNumber)
	}
}

// asReply turns a request into the matching reply with a valid checksum.
func asReply(fam inet.Family, req []byte, src, dst netip.Addr) []byte {
	b := append([]byte(nil), req...)
	b[0] = fam.ReplyType()
	binary.BigEndian.PutUint16(b[2:], 0)
	binary.BigEndian.PutUint16(b[2:], messageChecksum(fam, b, src, dst))
	return b
}

func withIPv4Header(msg []byte) []byte {
	h := make([]byte, 20)
	h[0] = 0x45
	h[9] = 1
	return append(h, msg...)
}

func TestParseEchoReplyRecoversFields(t *testing.T) {
	tests := []struct {
		name string
		fam  inet.Family
		raw  func(req []byte) []byte
	}{
		{"v4 with ip header", inet.V4, func(req []byte) []byte {
			return withIPv4Header(asReply(inet.V4, req, netip.Addr{}, netip.Addr{}))
		}},
		{"v4 bare", inet.V4, func(req []byte) []byte {
			return asReply(inet.V4, req, netip.Addr{}, netip.Addr{})
		}},
		{"v6", inet.V6, func(req []byte) []byte {
			return asReply(inet.V6, req, dstV6, srcV6)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := BuildEchoRequest(tt.fam, 1234, 65535, srcV6, dstV6)
			got, err := ParseEchoReply(tt.raw(req), tt.fam)
			if err != nil {
				t.Fatalf("ParseEchoReply: %v", err)
			}
			want := EchoReply{Type: tt.fam.ReplyType(), ID: 1234, Seq: 65535}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(EchoReply{}, "Checksum", "Message")); diff != "" {
				t.Fatalf("reply (-want +got):\n%s", diff)
			}
			if len(got.Message) != HeaderLen {
				t.Fatalf("message len: got %d", len(got.Message))
			}
		})
	}
}

func TestParseEchoReplyRejectsRequestsAndOtherTypes(t *testing.T) {
	req := BuildEchoRequest(inet.V4, 1, 1, netip.Addr{}, netip.Addr{})
	if _, err := ParseEchoReply(withIPv4Header(req), inet.V4); !errors.Is(err, ErrNotEchoReply) {
		t.Fatalf("echo request: expected ErrNotEchoReply, got %v", err)
	}

	unreach := withIPv4Header([]byte{3, 1, 0, 0, 0, 0, 0, 0})
	if _, err := ParseEchoReply(unreach, inet.V4); !errors.Is(err, ErrNotEchoReply) {
		t.Fatalf("unreachable: expected ErrNotEchoReply, got %v", err)
	}

	// An IPv4 reply type seen on an IPv6 socket is not a reply.
	v4reply := asReply(inet.V4, req, netip.Addr{}, netip.Addr{})
	if _, err := ParseEchoReply(v4reply, inet.V6); !errors.Is(err, ErrNotEchoReply) {
		t.Fatalf("family mismatch: expected ErrNotEchoReply, got %v", err)
	}
}

func TestParseEchoReplyTruncated(t *testing.T) {
	if _, err := ParseEchoReply([]byte{0, 0, 0}, inet.V4); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := ParseEchoReply(withIPv4Header([]byte{0, 0, 0, 0}), inet.V4); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated after header, got %v", err)
	}
}

func TestParseEchoReplyCopiesMessage(t *testing.T) {
	req := BuildEchoRequest(inet.V4, 5, 6, netip.Addr{}, netip.Addr{})
	raw := asReply(inet.V4, req, netip.Addr{}, netip.Addr{})
	r, err := ParseEchoReply(raw, inet.V4)
	if err != nil {
		t.Fatalf("ParseEchoReply: %v", err)
	}
	raw[4] = 0xff
	if r.Message[4] == 0xff {
		t.Fatal("reply aliases the receive buffer")
	}
}

func TestVerifyChecksum(t *testing.T) {
	tests := []struct {
		name     string
		fam      inet.Family
		src, dst netip.Addr
	}{
		{"v4", inet.V4, netip.Addr{}, netip.Addr{}},
		{"v6", inet.V6, dstV6, srcV6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := BuildEchoRequest(tt.fam, 1234, 0, srcV6, dstV6)
			raw := asReply(tt.fam, req, tt.src, tt.dst)
			raw = append(raw, 'p', 'a', 'y') // peers may echo a payload back

			r, err := ParseEchoReply(raw, tt.fam)
			if err != nil {
				t.Fatalf("ParseEchoReply: %v", err)
			}
			// asReply summed the header only; refresh for the payload.
			binary.BigEndian.PutUint16(r.Message[2:], 0)
			r.Checksum = messageChecksum(tt.fam, r.Message, tt.src, tt.dst)
			binary.BigEndian.PutUint16(r.Message[2:], r.Checksum)

			v := VerifyChecksum(r, tt.fam, tt.src, tt.dst)
			if !v.OK() || v.String() != "" {
				t.Fatalf("expected match, got %+v %q", v, v.String())
			}
			if r.Checksum != binary.BigEndian.Uint16(r.Message[2:]) {
				t.Fatal("VerifyChecksum modified the reply")
			}
		})
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	req := BuildEchoRequest(inet.V4, 1234, 0, netip.Addr{}, netip.Addr{})
	raw := asReply(inet.V4, req, netip.Addr{}, netip.Addr{})
	good := binary.BigEndian.Uint16(raw[2:])
	raw[3] ^= 0x5a

	r, err := ParseEchoReply(raw, inet.V4)
	if err != nil {
		t.Fatalf("ParseEchoReply: %v", err)
	}
	v := VerifyChecksum(r, inet.V4, netip.Addr{}, netip.Addr{})
	if v.OK() {
		t.Fatal("expected mismatch")
	}
	if v.Computed != good || v.Stored != good^0x5a {
		t.Fatalf("verification: %+v, good=%04x", v, good)
	}
	s := v.String()
	if !strings.HasPrefix(s, " (checksum mismatch: ") {
		t.Fatalf("annotation: %q", s)
	}
	for _, want := range []string{fmtHex(v.Computed), fmtHex(v.Stored)} {
		if !strings.Contains(s, want) {
			t.Fatalf("annotation %q missing %s", s, want)
		}
	}
}

func TestVerifyChecksumV6WrongPseudoHeader(t *testing.T) {
	req := BuildEchoRequest(inet.V6, 77, 3, srcV6, dstV6)
	raw := asReply(inet.V6, req, dstV6, srcV6)
	r, err := ParseEchoReply(raw, inet.V6)
	if err != nil {
		t.Fatalf("ParseEchoReply: %v", err)
	}
	// Loopback as the local address, as a hard-coded source would do.
	if v := VerifyChecksum(r, inet.V6, dstV6, netip.IPv6Loopback()); v.OK() {
		t.Fatal("expected mismatch with the wrong local address")
	}
}

func TestVerificationString(t *testing.T) {
	v := Verification{Stored: 0x00ab, Computed: 0x1f02}
	if got, want := v.String(), " (checksum mismatch: 1f02 != 00ab)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPseudoHeaderLayout(t *testing.T) {
	psh := PseudoHeader(srcV6, dstV6, 8)
	if len(psh) != pseudoHeaderLen {
		t.Fatalf("len: got %d", len(psh))
	}
	if netip.AddrFrom16([16]byte(psh[:16])) != srcV6 || netip.AddrFrom16([16]byte(psh[16:32])) != dstV6 {
		t.Fatalf("addresses: %x", psh[:32])
	}
	if binary.BigEndian.Uint32(psh[32:]) != 8 {
		t.Fatalf("length: %x", psh[32:36])
	}
	if psh[36] != 0 || psh[37] != 0 || psh[38] != 0 || psh[39] != 58 {
		t.Fatalf("next header: %x", psh[36:])
	}
}

func fmtHex(v uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[v>>12], digits[v>>8&0xf], digits[v>>4&0xf], digits[v&0xf]})
}
