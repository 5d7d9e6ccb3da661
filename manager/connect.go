package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	pserr "psmux/internal/errors"
	"psmux/internal/output"
	"psmux/internal/process"
	"psmux/internal/session"
	"psmux/internal/state"
)

// ModuleBypass is the module label of a session connected without
// bootstrap.
const ModuleBypass = "bypass"

type connectConfig struct {
	bypass  bool
	noProbe bool
}

// ConnectOption adjusts a single Connect call.
type ConnectOption func(*connectConfig)

// WithBypass skips bootstrap and authentication.  The session is
// marked Connected with a synthetic token; only bare interpreter
// commands will work in it.
func WithBypass() ConnectOption {
	return func(c *connectConfig) { c.bypass = true }
}

// WithoutProbe skips the endpoint reachability check.
func WithoutProbe() ConnectOption {
	return func(c *connectConfig) { c.noProbe = true }
}

// Connect creates the session for role, tearing down any session the
// role already has first.  An empty secret is fetched from the
// credential provider.  The result carries the manager session ID.
func (m *Manager) Connect(ctx context.Context, role string, ep session.Endpoint, secret string, opts ...ConnectOption) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("%s: connect panicked: %v", role, p)
			m.states.Fail(role, fmt.Sprintf("internal error: %v", p))
			res = failed(fmt.Errorf("panic: %v", p), "connect %s: internal error: %v", role, p)
		}
	}()

	var cfg connectConfig
	for _, o := range opts {
		o(&cfg)
	}

	role = strings.TrimSpace(role)
	if role == "" {
		return failed(pserr.Validation("role is empty"), "role is required")
	}
	if err := ep.Validate(); err != nil {
		return failed(err, "invalid endpoint for %s: %v", role, err)
	}

	unlock := m.lockRole(role)
	defer unlock()

	if old := m.take(role, nil); old != nil {
		m.log.Info("%s: replacing session %s", role, old.ID)
		m.shutdown(ctx, old)
	}
	m.states.CreateOrUpdate(role, ep, state.Disconnected)
	if err := m.states.CreateOrUpdate(role, ep, state.Connecting); err != nil {
		return failed(err, "%s: %v", role, err)
	}

	logID := m.sink.StartSession(fmt.Sprintf("%s %s", role, ep))
	s, err := m.connect(ctx, role, ep, secret, cfg, logID)
	if err != nil {
		m.met.ConnectFailed()
		m.met.RecordError(role + ": " + err.Error())
		if timedOut(err) {
			// A slow endpoint is not a failure; the role may be retried.
			m.states.CreateOrUpdate(role, ep, state.Timeout)
			m.states.RecordError(role, err.Error())
		} else {
			m.states.Fail(role, err.Error())
		}
		m.sink.EndSession(logID, false, err.Error())
		m.log.Warn("%s: connect to %s failed: %v", role, ep, err)
		return failed(err, "connect %s to %s failed: %v", role, ep, err)
	}
	m.log.Info("%s: connected to %s (session %s)", role, ep, s.ID)
	return Result{OK: true, Message: "Connected successfully", SessionID: s.ID}
}

// connect runs spawn, bootstrap and authentication.  On error the
// partially built session is already destroyed.
func (m *Manager) connect(ctx context.Context, role string, ep session.Endpoint, secret string, cfg connectConfig, logID string) (*session.Session, error) {
	if secret == "" && !cfg.bypass {
		v, err := m.creds.GetSecret(ctx, ep)
		if err != nil || v == "" {
			msg := "empty secret"
			if err != nil {
				msg = err.Error()
			}
			return nil, &pserr.AuthError{Endpoint: ep.String(), Category: pserr.CategoryCredential, RemoteMessage: msg}
		}
		secret = v
	}

	if m.opts.Prober != nil && !cfg.noProbe {
		addr, err := ep.HostPort(m.opts.ProbePort)
		if err != nil {
			return nil, err
		}
		if err := m.opts.Prober.Probe(ctx, addr); err != nil {
			return nil, &pserr.AuthError{Endpoint: ep.String(), Category: pserr.CategoryNetwork, RemoteMessage: err.Error()}
		}
	}

	buf := output.New()
	p, err := m.sup.Spawn(ctx, role, m.opts.Candidates, process.Spec{
		Args: m.opts.Dialect.Args(),
		OnLine: func(line string) {
			buf.OnLine(line)
			m.met.LineReceived()
		},
	})
	if err != nil {
		return nil, err
	}

	s := session.New(role, uuid.NewString(), ep, m.opts.Dialect, p, buf)
	s.SetLogSession(logID)
	m.put(s)
	m.met.SessionOpened()
	go m.watch(s)
	m.logf(s, LevelInfo, "started %s (pid %d)", p.Name(), p.Pid())

	if err := m.setup(ctx, s, secret, cfg); err != nil {
		m.destroy(s)
		return nil, err
	}
	m.logf(s, LevelInfo, "connected; module %s", s.Module())
	return s, nil
}

func (m *Manager) setup(ctx context.Context, s *session.Session, secret string, cfg connectConfig) error {
	if pre := m.opts.Dialect.Prelude(); pre != "" {
		if _, err := m.ch.Execute(ctx, s, pre, m.opts.BootstrapTimeout); err != nil {
			return err
		}
	}

	if cfg.bypass {
		m.log.Warn("%s: bootstrap bypassed; only bare interpreter commands will work", s.Role)
		s.SetModule(ModuleBypass)
		m.states.SetAuth(s.Role, state.Auth{SessionID: s.ID, Token: "bypass-" + uuid.NewString()})
		return m.states.CreateOrUpdate(s.Role, s.Endpoint, state.Connected)
	}

	bctx, cancel := context.WithTimeout(ctx, m.opts.BootstrapTimeout)
	br, err := m.boot.Run(bctx, m.runner(s))
	expired := errors.Is(bctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		m.met.BootstrapFailed()
		if expired && !timedOut(err) {
			err = fmt.Errorf("%w (%w after %s)", err, pserr.ErrCommandTimeout, m.opts.BootstrapTimeout)
		}
		for _, d := range br.Diagnostics {
			m.logf(s, LevelWarn, "bootstrap: %s", d)
		}
		return err
	}
	s.SetModule(br.ModuleLabel)
	for _, d := range br.Diagnostics {
		m.logf(s, LevelDebug, "bootstrap: %s", d)
	}

	m.red.AddSecret(secret)
	if q := m.opts.Dialect.Quote(secret); len(q) >= 2 {
		m.red.AddSecret(q)
		m.red.AddSecret(q[1 : len(q)-1])
	}
	out, err := m.ch.ExecuteSensitive(ctx, s, m.opts.Dialect.AuthScript(s.Endpoint.Target(), secret), m.opts.AuthTimeout)
	if err != nil {
		return err
	}
	a, err := parseAuth(s.Endpoint.String(), out)
	if err != nil {
		return err
	}
	a.SessionID = s.ID
	m.states.SetAuth(s.Role, a)
	return m.states.CreateOrUpdate(s.Role, s.Endpoint, state.Connected)
}

// timedOut reports whether err is a command or deadline timeout.
func timedOut(err error) bool {
	return errors.Is(err, pserr.ErrCommandTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// watch waits for s's process to exit.  An exit nobody asked for marks
// the role Failed; the session stays registered so the next Execute
// reports it.
func (m *Manager) watch(s *session.Session) {
	<-s.Process.Done()
	m.met.SessionClosed()
	if s.Closing() || m.get(s.Role) != s {
		return
	}
	reason := "process exited"
	if err := s.Process.ExitErr(); err != nil {
		reason += ": " + err.Error()
	}
	m.log.Warn("%s: %s", s.Role, reason)
	m.met.ProcessExited()
	m.met.RecordError(s.Role + ": " + reason)
	m.sup.Release(s.Role)
	m.states.Fail(s.Role, reason)
	m.logf(s, LevelError, "%s", reason)
}

// destroy kills a session whose setup failed and unregisters it.
func (m *Manager) destroy(s *session.Session) {
	s.MarkClosing()
	m.take(s.Role, s)
	if err := s.Process.Kill(); err != nil {
		m.log.Debug("%s: kill: %v", s.Role, err)
	}
	m.sup.Release(s.Role)
}
