package connection

import (
	"fmt"
	"net"
)

// GetFreePort asks the kernel for a free TCP port on the given host
// (empty means "127.0.0.1") by binding port 0 and reading back the
// assigned address. The listener is closed before returning, so the port
// is free but not reserved; callers should use it promptly.
func GetFreePort(host string) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tcp address for %q: %w", host, err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to bind tcp port 0 on %q: %w", host, err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if port == 0 {
		return 0, fmt.Errorf("kernel assigned port 0 unexpectedly")
	}
	return port, nil
}
