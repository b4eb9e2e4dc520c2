//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package netutil

import "syscall"

func control(_, _ string, _ syscall.RawConn) error {
	return nil
}
