//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package transport

import "github.com/sryze/ping/internal/inet"

// openRaw falls back to the x/net transport where raw sockets are not
// driven through x/sys/unix.
func openRaw(fam inet.Family, opts Options) (Conn, error) {
	c, err := openNetConn(fam, opts.ListenPacket)
	if err != nil {
		return nil, err
	}
	return c, nil
}
