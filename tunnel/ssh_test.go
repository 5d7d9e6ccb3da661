package tunnel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	pserr "psmux/internal/errors"
	"psmux/util"
)

func echoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, _ := bufio.NewReader(c).ReadString('\n')
				c.Write([]byte("echo:" + line)) //nolint:errcheck
			}(c)
		}
	}()
	return ln.Addr().String()
}

func TestSSHClient_ConnectAndDial(t *testing.T) {
	srv := newTestServer(t)
	target := echoListener(t)

	c := NewSSHClient(srv.config(), util.NewLogger(0))
	if c.IsAlive() {
		t.Fatal("client should not be alive before Connect")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if !c.IsAlive() {
		t.Fatal("client should be alive after Connect")
	}
	// A second Connect on a live client is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	conn, err := c.Dial(context.Background(), "tcp", target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	if _, err := conn.Write([]byte("hi\n")); err != nil {
		t.Fatal(err)
	}
	got, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || got != "echo:hi\n" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestSSHClient_WrongPassword(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.Password = "wrong"

	c := NewSSHClient(cfg, nil)
	if err := c.Connect(context.Background()); err == nil {
		c.Close()
		t.Fatal("expected handshake failure")
	}
	if c.IsAlive() {
		t.Error("failed client must not be alive")
	}
}

func TestSSHClient_NotConnected(t *testing.T) {
	c := NewSSHClient(&SSHConfig{Host: "127.0.0.1"}, nil)
	if _, err := c.Dial(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, pserr.ErrNotConnected) {
		t.Errorf("Dial before Connect: %v", err)
	}
	if _, err := c.NewSession(); !errors.Is(err, pserr.ErrNotConnected) {
		t.Errorf("NewSession before Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on idle client: %v", err)
	}
}

func TestSSHClient_CloseMarksDead(t *testing.T) {
	srv := newTestServer(t)
	c := NewSSHClient(srv.config(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.IsAlive() {
		t.Error("client should be dead after Close")
	}
}

func TestSSHConfig_Defaults(t *testing.T) {
	cfg := &SSHConfig{Host: "jump.test"}
	NewSSHClient(cfg, nil)
	if cfg.Port != 22 || cfg.ConnTimeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Addr() != "jump.test:22" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}
