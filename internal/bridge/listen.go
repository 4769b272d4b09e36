package bridge

import (
	"context"
	"net"
)

// Listen binds a TCP/IPv4 listener on addr with the platform socket options
// applied. The accept backlog is the kernel default (somaxconn).
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control}
	return lc.Listen(ctx, "tcp4", addr)
}
