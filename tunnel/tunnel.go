// Package tunnel connects to an SSH host and runs interpreters there.
//
// One SSHClient serves two purposes: the process supervisor starts
// remote interpreters through a [Launcher] bound to it, and the
// endpoint probe in internal/transport dials management endpoints
// through it, so reachability is checked from where the interpreter
// actually runs.
package tunnel

import (
	"context"
	"net"

	"golang.org/x/crypto/ssh"
)

// Tunnel is an established SSH connection.
type Tunnel interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Dial opens a TCP connection to address from the SSH host.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// NewSession opens a session channel for running one command.
	NewSession() (*ssh.Session, error)

	// Close tears down the connection and every session on it.
	Close() error

	// IsAlive reports whether the connection is still up.
	IsAlive() bool
}
