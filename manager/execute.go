package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"psmux/internal/bootstrap"
	pserr "psmux/internal/errors"
	"psmux/internal/session"
	"psmux/internal/state"
)

type execConfig struct {
	timeout time.Duration
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execConfig)

// WithTimeout overrides the command timeout for one call.
func WithTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Execute runs script in role's session and returns its output.
//
// A role without a session fails with ErrNotConnected before any I/O.
// A timeout leaves the session Connected and the result says so; a
// dead interpreter fails with ErrProcessExited and needs a new Connect.
// The manager never retries a command.
func (m *Manager) Execute(ctx context.Context, role, script string, opts ...ExecOption) Result {
	return m.execute(ctx, role, script, opts, func(s *session.Session, timeout time.Duration) (string, error) {
		return m.ch.Execute(ctx, s, script, timeout)
	})
}

// ExecuteInContext is Execute preceded by a check that the
// interpreter's active remote context is role's own endpoint.  On a
// mismatch the script is not run and the result wraps
// ErrContextMismatch.
func (m *Manager) ExecuteInContext(ctx context.Context, role, script string, opts ...ExecOption) Result {
	return m.execute(ctx, role, script, opts, func(s *session.Session, timeout time.Duration) (string, error) {
		return m.ch.ExecuteIn(ctx, s, s.Endpoint.Target(), script, timeout)
	})
}

func (m *Manager) execute(ctx context.Context, role, script string, opts []ExecOption, run func(*session.Session, time.Duration) (string, error)) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("%s: execute panicked: %v", role, p)
			res = failed(fmt.Errorf("panic: %v", p), "execute on %s: internal error: %v", role, p)
		}
	}()

	cfg := execConfig{timeout: m.opts.CommandTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	s := m.get(role)
	if s == nil {
		err := pserr.WrapCommand(role, "lookup", pserr.ErrNotConnected)
		return failed(err, "no active connection for %s; call Connect first", role)
	}
	if s.Exited() {
		err := pserr.WrapCommand(role, "write", pserr.ErrProcessExited)
		return Result{SessionID: s.ID, Err: err,
			Message: fmt.Sprintf("interpreter for %s has exited; reconnect required", role)}
	}
	if info, ok := m.states.Get(role); !ok || info.Status != state.Connected {
		st := state.Disconnected
		if ok {
			st = info.Status
		}
		err := pserr.WrapCommand(role, "lookup", fmt.Errorf("%w (status %s)", pserr.ErrNotConnected, st))
		hint := "reconnect required"
		if st == state.Connecting || st == state.Reconnecting {
			hint = "still connecting"
		}
		return Result{SessionID: s.ID, Err: err,
			Message: fmt.Sprintf("%s is %s; %s", role, st, hint)}
	}
	if s.Module() == ModuleBypass {
		m.log.Debug("%s: running in bypass session; module commands are unavailable", role)
	}

	m.logf(s, LevelDebug, "exec: %s", script)
	began := time.Now()
	out, err := run(s, cfg.timeout)
	if err != nil {
		return m.execFailed(s, err)
	}

	m.states.RecordActivity(role)
	m.logf(s, LevelInfo, "command completed in %s", time.Since(began).Truncate(time.Millisecond))
	return Result{OK: true, Message: "Command completed", SessionID: s.ID, Output: out}
}

func (m *Manager) execFailed(s *session.Session, err error) Result {
	res := Result{SessionID: s.ID, Err: err}
	switch {
	case errors.Is(err, pserr.ErrCommandTimeout):
		m.states.RecordError(s.Role, err.Error())
		res.Message = fmt.Sprintf("command on %s timed out; the session is still connected, retry or raise the timeout", s.Role)
	case errors.Is(err, pserr.ErrContextMismatch):
		m.states.RecordError(s.Role, err.Error())
		res.Message = fmt.Sprintf("command on %s not run: %v", s.Role, err)
	case pserr.IsFatal(err):
		res.Message = fmt.Sprintf("interpreter for %s is gone (%v); reconnect required", s.Role, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		m.states.RecordError(s.Role, err.Error())
		res.Message = fmt.Sprintf("command on %s abandoned: %v", s.Role, err)
	default:
		m.states.RecordError(s.Role, err.Error())
		res.Message = fmt.Sprintf("command on %s failed: %v", s.Role, err)
	}
	m.logf(s, LevelWarn, "%s", res.Message)
	return res
}

func (m *Manager) runner(s *session.Session) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context, script string) (string, error) {
		return m.ch.Execute(ctx, s, script, m.opts.BootstrapTimeout)
	})
}
