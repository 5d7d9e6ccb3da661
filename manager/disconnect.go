package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"psmux/internal/dialect"
	"psmux/internal/session"
	"psmux/internal/state"
)

const (
	signOffProbeTimeout = 5 * time.Second
	signOffTimeout      = 15 * time.Second
	killWait            = 2 * time.Second
)

// Disconnect signs role's session off, stops its interpreter and
// forgets it.  Disconnecting a role without a session succeeds.
func (m *Manager) Disconnect(ctx context.Context, role string) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("%s: disconnect panicked: %v", role, p)
			res = Result{Message: "disconnect failed: internal error"}
		}
	}()

	unlock := m.lockRole(role)
	defer unlock()

	s := m.take(role, nil)
	if s == nil {
		if info, ok := m.states.Get(role); ok {
			m.states.CreateOrUpdate(role, info.Endpoint, state.Disconnected)
		}
		return Result{OK: true, Message: "Not connected"}
	}
	m.shutdown(ctx, s)
	m.states.CreateOrUpdate(role, s.Endpoint, state.Disconnected)
	return Result{OK: true, Message: "Disconnected", SessionID: s.ID}
}

// DisconnectAll tears every session down in parallel and clears the
// registry and the state tracker.
func (m *Manager) DisconnectAll(ctx context.Context) Result {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					m.log.Error("%s: shutdown panicked: %v", s.Role, p)
				}
			}()
			m.shutdown(ctx, s)
		}(s)
	}
	wg.Wait()
	m.states.Clear()
	m.log.Verbose("disconnected %d session(s)", len(all))
	return Result{OK: true, Message: "All sessions disconnected"}
}

// shutdown stops s, which the caller has already unregistered.  The
// remote sign-off is attempted only when a quick probe shows it is
// needed, and only if no command currently holds the session.
func (m *Manager) shutdown(ctx context.Context, s *session.Session) {
	s.MarkClosing()
	p := s.Process

	if !s.Exited() && s.Module() != "" && s.Module() != ModuleBypass {
		m.signOff(ctx, s)
	}

	if !s.Exited() {
		if s.TryLock() {
			p.Write([]byte(s.Dialect.Exit()))
			s.Unlock()
		}
		p.CloseInput()
		if !waitDone(ctx, p.Done(), m.opts.GracePeriod) {
			m.log.Verbose("%s: no exit within %s; killing", s.Role, m.opts.GracePeriod)
			if err := p.Kill(); err != nil {
				m.log.Debug("%s: kill: %v", s.Role, err)
			}
			if !waitDone(context.Background(), p.Done(), killWait) {
				m.log.Warn("%s: interpreter %s still running after kill", s.Role, p.Name())
			}
		}
	}

	m.sup.Release(s.Role)
	m.sink.EndSession(s.LogSession(), true, "disconnected")
	m.log.Info("%s: session %s closed", s.Role, s.ID)
}

func (m *Manager) signOff(ctx context.Context, s *session.Session) {
	out, ran, err := m.ch.TryExecute(ctx, s, s.Dialect.SignOffProbe(), signOffProbeTimeout)
	if !ran {
		m.log.Verbose("%s: command in flight; skipping sign-off", s.Role)
		return
	}
	if err != nil {
		m.log.Debug("%s: sign-off probe: %v", s.Role, err)
		return
	}
	if !strings.Contains(out, dialect.SignOffNeeded) {
		return
	}
	if _, _, err := m.ch.TryExecute(ctx, s, s.Dialect.SignOff(), signOffTimeout); err != nil {
		m.log.Warn("%s: sign-off: %v", s.Role, err)
		return
	}
	m.log.Verbose("%s: signed off", s.Role)
}

func waitDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
