package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	pserr "psmux/internal/errors"
)

func listener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestTCPDialer_Connect verifies that TCPDialer can reach a local
// TCP server and exchange data.
func TestTCPDialer_Connect(t *testing.T) {
	ln := listener(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello from server\n")) //nolint:errcheck
	}()

	d := &TCPDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "hello from server\n" {
		t.Errorf("got %q, want %q", got, "hello from server\n")
	}
}

// TestTCPDialer_ContextCancel verifies that a cancelled context stops the dial.
func TestTCPDialer_ContextCancel(t *testing.T) {
	d := &TCPDialer{Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Dial(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestProber(t *testing.T) {
	ln := listener(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := NewProber(&TCPDialer{}, time.Second, nil)
	if err := p.Probe(context.Background(), ln.Addr().String()); err != nil {
		t.Errorf("reachable endpoint: %v", err)
	}

	addr := closedAddr(t)
	err := p.Probe(context.Background(), addr)
	if err == nil {
		t.Fatal("expected failure for closed port")
	}
	if cat := pserr.Classify(err.Error()); cat != pserr.CategoryNetwork {
		t.Errorf("probe error %q classified as %s, want network", err, cat)
	}
}

func TestProber_DefaultTimeout(t *testing.T) {
	if p := NewProber(&TCPDialer{}, 0, nil); p.Timeout != DefaultProbeTimeout {
		t.Errorf("timeout = %v", p.Timeout)
	}
}

// fakeTunnel records Connect calls and dials locally.
type fakeTunnel struct {
	alive    bool
	connects int
	connErr  error
}

func (f *fakeTunnel) Connect(context.Context) error {
	f.connects++
	if f.connErr != nil {
		return f.connErr
	}
	f.alive = true
	return nil
}

func (f *fakeTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

func (f *fakeTunnel) NewSession() (*ssh.Session, error) { return nil, errors.New("unsupported") }
func (f *fakeTunnel) Close() error                       { f.alive = false; return nil }
func (f *fakeTunnel) IsAlive() bool                      { return f.alive }

func TestSSHDialer_ConnectsLazilyOnce(t *testing.T) {
	ln := listener(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ft := &fakeTunnel{}
	d := NewSSHDialer(ft, nil)
	for i := 0; i < 3; i++ {
		conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}
	if ft.connects != 1 {
		t.Errorf("connects = %d, want 1", ft.connects)
	}
	if err := d.Close(); err != nil || !ft.alive {
		t.Error("Close must leave the shared client open")
	}
}

func TestSSHDialer_ConnectError(t *testing.T) {
	ft := &fakeTunnel{connErr: errors.New("handshake failed")}
	_, err := NewSSHDialer(ft, nil).Dial(context.Background(), "tcp", "127.0.0.1:1")
	if err == nil || ft.connects != 1 {
		t.Errorf("err = %v, connects = %d", err, ft.connects)
	}
}
