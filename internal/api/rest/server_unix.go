//go:build !windows

package rest

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl sets SO_REUSEPORT so a restarted process can bind while the
// old one drains.
func listenControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
