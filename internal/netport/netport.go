// Package netport allocates free local TCP ports for worker processes.
package netport

import (
	"context"
	"fmt"
	"net"
)

// Allocate binds an ephemeral port on the loopback interface to learn a
// free port number, releases it immediately, and returns the number.
// The port is not reserved after return; the caller is expected to hand
// it to a process that binds it promptly.
func Allocate(ctx context.Context) (int, error) {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to bind ephemeral port: %w", err)
	}

	addr, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		_ = lis.Close()
		return 0, fmt.Errorf("unexpected listener address type %T", lis.Addr())
	}
	port := addr.Port

	if err := lis.Close(); err != nil {
		return 0, fmt.Errorf("failed to release ephemeral port %d: %w", port, err)
	}
	return port, nil
}
