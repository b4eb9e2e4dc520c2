// Package netutil opens the TCP listeners shared by the push and pull servers.
package netutil

import (
	"context"
	"fmt"
	"net"
)

// Listen binds a TCP listener on every interface at port. Address reuse is
// enabled where the platform supports it so a restarted relay can rebind
// while old client sockets linger in TIME_WAIT.
func Listen(ctx context.Context, port int) (net.Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	lc := net.ListenConfig{Control: control}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return ln, nil
}

// Port returns the TCP port of addr, or 0 if addr is not a TCP address.
func Port(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
