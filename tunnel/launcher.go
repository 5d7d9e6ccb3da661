package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"psmux/internal/process"
	"psmux/util"
)

// Launcher starts interpreters on the SSH host.  It implements
// process.Launcher, so the supervisor's candidate fallback works the
// same remotely: qualified paths are checked with `test -e`, bare names
// with `command -v`.
type Launcher struct {
	Tunnel Tunnel
	Logger *util.Logger
}

// NewLauncher returns a Launcher over t.
func NewLauncher(t Tunnel, logger *util.Logger) *Launcher {
	return &Launcher{Tunnel: t, Logger: logger.Named("remote")}
}

// Stat implements process.Launcher.
func (l *Launcher) Stat(ctx context.Context, path string) error {
	ok, err := l.check(ctx, "test -e "+shellQuote(path))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on %s: %w", path, l.host(), fs.ErrNotExist)
	}
	return nil
}

// Start implements process.Launcher.
func (l *Launcher) Start(ctx context.Context, name string, spec process.Spec) (process.Process, error) {
	if err := l.Tunnel.Connect(ctx); err != nil {
		return nil, err
	}
	if !process.IsQualified(name) {
		ok, err := l.check(ctx, "command -v "+shellQuote(name)+" >/dev/null 2>&1")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
		}
	}

	sess, err := l.Tunnel.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session on %s: %w", l.host(), err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout := util.NewLineWriter(spec.OnLine)
	stderr := util.NewLineWriter(errLine(spec))
	sess.Stdout = stdout
	sess.Stderr = stderr
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			// Servers commonly refuse env requests; the prefix below
			// carries the values regardless.
			_ = sess.Setenv(k, v)
		}
	}

	cmdline := commandLine(name, spec)
	l.Logger.Debug("starting %s", cmdline)
	if err := sess.Start(cmdline); err != nil {
		sess.Close()
		return nil, fmt.Errorf("starting %s on %s: %w", name, l.host(), err)
	}

	p := &remoteProcess{
		name:  name,
		sess:  sess,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	go func() {
		err := sess.Wait()
		stdout.Flush()
		stderr.Flush()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// check runs cmd in its own session and reports whether it exited 0.
func (l *Launcher) check(ctx context.Context, cmd string) (bool, error) {
	if err := l.Tunnel.Connect(ctx); err != nil {
		return false, err
	}
	sess, err := l.Tunnel.NewSession()
	if err != nil {
		return false, err
	}
	defer sess.Close()

	err = sess.Run(cmd)
	var exit *ssh.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exit):
		return false, nil
	default:
		return false, fmt.Errorf("running %q on %s: %w", cmd, l.host(), err)
	}
}

func (l *Launcher) host() string {
	if c, ok := l.Tunnel.(*SSHClient); ok {
		return c.config.Addr()
	}
	return "ssh host"
}

func errLine(spec process.Spec) func(string) {
	if spec.OnErrLine != nil {
		return spec.OnErrLine
	}
	return spec.OnLine
}

// commandLine quotes name and args for the remote login shell.
func commandLine(name string, spec process.Spec) string {
	var b strings.Builder
	if spec.Dir != "" {
		b.WriteString("cd " + shellQuote(spec.Dir) + " && ")
	}
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			b.WriteString(k + "=" + shellQuote(v) + " ")
		}
	}
	b.WriteString("exec " + shellQuote(name))
	for _, a := range spec.Args {
		b.WriteString(" " + shellQuote(a))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type remoteProcess struct {
	name  string
	sess  *ssh.Session
	stdin io.WriteCloser
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *remoteProcess) Name() string { return p.name }

// Pid is unknown for remote processes.
func (p *remoteProcess) Pid() int { return 0 }

func (p *remoteProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *remoteProcess) CloseInput() error { return p.stdin.Close() }

func (p *remoteProcess) Done() <-chan struct{} { return p.done }

func (p *remoteProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *remoteProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Kill signals the remote process and closes its channel.  Closing the
// channel makes sshd hang up the session's process group even when the
// server ignores signal requests.
func (p *remoteProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	_ = p.sess.Signal(ssh.SIGKILL)
	if err := p.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
