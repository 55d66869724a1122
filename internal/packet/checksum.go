package packet

// Checksum computes the RFC 1071 Internet checksum of b. Words are read in
// network byte order and a trailing odd byte is the high half of a
// zero-padded word. Build and verify must both go through this function so
// that the word order is the same on both sides.
func Checksum(b []byte) uint16 {
	var sum uint64
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint64(b[i])<<8 | uint64(b[i+1])
	}
	if len(b)&1 == 1 {
		sum += uint64(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
