//go:build !unix

package permitd

import (
	"context"
	"net"
)

func listenTCP(ctx context.Context, addr string, _ bool) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
