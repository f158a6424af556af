package kernel

import (
	"fmt"
	"net"
	"os"
)

// Listen opens the API listener: a Unix socket when socketPath is set
// (for a front end on the same machine), TCP on addr otherwise.
func Listen(addr, socketPath string) (net.Listener, error) {
	if socketPath == "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return l, nil
	}

	// Clean up a socket left by a previous run
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket %s: %w", socketPath, err)
	}
	// Only the owning user may talk to the kernel.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to chmod socket %s: %w", socketPath, err)
	}
	return l, nil
}
