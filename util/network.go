package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EndpointAddr returns a dialable host:port for a management endpoint
// address.  Addresses that already carry a port are returned as-is;
// bare hosts (and URLs such as "https://vc1.example.com/sdk") get
// defaultPort.
func EndpointAddr(address string, defaultPort int) (string, error) {
	host := strings.TrimSpace(address)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return "", fmt.Errorf("empty endpoint address %q", address)
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if h == "" {
			return "", fmt.Errorf("endpoint %q has no host", address)
		}
		if n, err := strconv.Atoi(p); err != nil || n < 1 || n > 65535 {
			return "", fmt.Errorf("endpoint %q has invalid port %q", address, p)
		}
		return host, nil
	}
	return FormatAddr(strings.Trim(host, "[]"), defaultPort), nil
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
