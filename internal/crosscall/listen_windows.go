//go:build windows

package crosscall

import (
	"net"
	"time"

	winio "github.com/Microsoft/go-winio"
)

// PipeSecuritySDDL grants access to Local System, Built-in Administrators
// and the creator owner. Targets inherit a duplicated client handle rather
// than opening the pipe by name.
func PipeSecuritySDDL() string {
	return "D:(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;CO)"
}

// Listen creates the broker's named pipe listener.
func Listen(addr string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: PipeSecuritySDDL(),
		InputBufferSize:    65536,
		OutputBufferSize:   65536,
	}
	return winio.ListenPipe(addr, cfg)
}

// Dial connects to the broker's named pipe.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return winio.DialPipe(addr, &timeout)
}
