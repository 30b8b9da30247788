//go:build unix

package forwarder

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl enables SO_REUSEADDR on the listening socket so
// that a restarted proxy can rebind its port while the previous
// socket still lingers in TIME_WAIT.
func reuseAddrControl(network, address string, conn syscall.RawConn) error {
	var soerr error
	err := conn.Control(func(fd uintptr) {
		soerr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return soerr
}
