package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	pserr "psmux/internal/errors"
	"psmux/util"
)

// SSHConfig holds everything needed to reach the SSH host.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // used as-is when set; never prompted for
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the interval between keepalive requests (0 disables).
	KeepAlive time.Duration
}

// Addr returns host:port.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHClient implements [Tunnel] over golang.org/x/crypto/ssh.
type SSHClient struct {
	config *SSHConfig
	client *ssh.Client
	logger *util.Logger
	mu     sync.RWMutex
	alive  bool
	stop   chan struct{}
}

// NewSSHClient creates a client that is ready to [SSHClient.Connect].
func NewSSHClient(cfg *SSHConfig, logger *util.Logger) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHClient{config: cfg, logger: logger.Named("ssh")}
}

// Connect dials the SSH host and completes the handshake.  Calling it
// on a live client is a no-op.
func (t *SSHClient) Connect(ctx context.Context) error {
	if t.IsAlive() {
		return nil
	}

	authMethods, err := BuildAuthMethods(t.config)
	if err != nil {
		return fmt.Errorf("ssh auth for %s: %w", t.config.Addr(), err)
	}
	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return fmt.Errorf("ssh host key for %s: %w", t.config.Addr(), err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	}

	addr := t.config.Addr()
	t.logger.Debug("dialing %s as %s", addr, t.config.User)

	// Context-aware TCP dial so callers can cancel.
	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go t.monitor(client)
	if t.config.KeepAlive > 0 {
		go t.keepalive(client, t.config.KeepAlive, stop)
	}
	t.logger.Verbose("connected to %s", addr)
	return nil
}

func (t *SSHClient) current() (*ssh.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.alive || t.client == nil {
		return nil, fmt.Errorf("ssh %s: %w", t.config.Addr(), pserr.ErrNotConnected)
	}
	return t.client, nil
}

// Dial opens a connection to address from the SSH host.
func (t *SSHClient) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := t.current()
	if err != nil {
		return nil, err
	}
	t.logger.Debug("dialing %s %s through %s", network, address, t.config.Addr())
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", address, err)
	}
	return conn, nil
}

// NewSession opens a session channel.
func (t *SSHClient) NewSession() (*ssh.Session, error) {
	client, err := t.current()
	if err != nil {
		return nil, err
	}
	return client.NewSession()
}

// Close shuts down the SSH connection.
func (t *SSHClient) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the connection is still up.
func (t *SSHClient) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHClient) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("connection closed: %v", err)
	} else {
		t.logger.Debug("connection closed")
	}
}

// keepalive sends a global request every interval so idle NAT and
// firewall state does not expire under long-lived interpreters.
func (t *SSHClient) keepalive(client *ssh.Client, interval time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("keepalive to %s failed: %v", t.config.Addr(), err)
				client.Close()
				return
			}
		}
	}
}
