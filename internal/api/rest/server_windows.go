//go:build windows

package rest

import (
	"syscall"
)

// listenControl is a no-op; SO_REUSEPORT does not exist on Windows.
func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
