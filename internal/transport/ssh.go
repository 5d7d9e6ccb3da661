package transport

import (
	"context"
	"fmt"
	"net"

	"psmux/tunnel"
	"psmux/util"
)

// SSHDialer opens connections from an SSH host.  The client is shared
// with the remote interpreter launcher, so Close leaves it open; its
// owner closes it.
type SSHDialer struct {
	client tunnel.Tunnel
	logger *util.Logger
}

// NewSSHDialer returns a dialer over client, which is connected
// lazily on the first Dial.
func NewSSHDialer(client tunnel.Tunnel, logger *util.Logger) *SSHDialer {
	return &SSHDialer{client: client, logger: logger}
}

// Dial connects to address from the SSH host.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !d.client.IsAlive() {
		d.logger.Verbose("establishing SSH connection for endpoint probe")
		if err := d.client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("ssh: %w", err)
		}
	}
	return d.client.Dial(ctx, network, address)
}

// Close is a no-op; the shared client is closed by its owner.
func (d *SSHDialer) Close() error { return nil }
