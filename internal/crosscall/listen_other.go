//go:build !windows

package crosscall

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Listen creates the broker's unix socket listener, replacing a stale
// socket file left by a previous run.
func Listen(addr string) (net.Listener, error) {
	if fi, err := os.Lstat(addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(addr); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Dial connects to the broker's unix socket.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return net.DialTimeout("unix", addr, timeout)
}
