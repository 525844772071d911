//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// Without SO_REUSEPORT only one node per host can bind the multicast port.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
