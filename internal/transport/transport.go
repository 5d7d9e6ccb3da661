// Package transport checks that a management endpoint is reachable
// before an interpreter is spawned for it.  Connections are opened
// either directly over TCP or from an SSH host, matching where the
// interpreter will run.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}
