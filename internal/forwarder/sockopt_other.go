//go:build !unix

package forwarder

import "syscall"

// reuseAddrControl does not set any socket option on platforms where
// golang.org/x/sys/unix is unavailable.
func reuseAddrControl(network, address string, conn syscall.RawConn) error {
	return nil
}
