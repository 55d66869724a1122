package inet

import (
	"net"
	"net/netip"
)

// Destination is a resolved echo target. It is immutable once built.
type Destination struct {
	Family  Family
	Addr    netip.Addr
	Host    string
	display string
}

// NewDestination derives the family from addr. IPv4-mapped IPv6 addresses are
// treated as IPv4.
func NewDestination(host string, addr netip.Addr) Destination {
	addr = addr.Unmap()
	fam := V6
	if addr.Is4() {
		fam = V4
	}
	return Destination{
		Family:  fam,
		Addr:    addr,
		Host:    host,
		display: addr.WithZone("").String(),
	}
}

// String returns the numeric address used in report lines.
func (d Destination) String() string {
	return d.display
}

// IPAddr converts the destination for use with net.PacketConn writes.
func (d Destination) IPAddr() *net.IPAddr {
	return &net.IPAddr{IP: d.Addr.AsSlice(), Zone: d.Addr.Zone()}
}
