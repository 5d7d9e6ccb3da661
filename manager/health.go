package manager

import (
	"context"
	"time"

	"psmux/internal/state"
)

// DefaultHealthInterval is the RunHealthMonitor period when none is given.
const DefaultHealthInterval = time.Minute

// IsConnected reports whether role is Connected with a live interpreter.
func (m *Manager) IsConnected(role string) bool {
	s := m.get(role)
	return s != nil && !s.Exited() && m.states.IsConnected(role)
}

// IsHealthy reports whether role is Connected, recently active, below
// the failure threshold and backed by a live interpreter.
func (m *Manager) IsHealthy(role string) bool {
	return m.get(role) != nil && m.states.IsHealthy(role)
}

// HealthSummary describes one role.
func (m *Manager) HealthSummary(role string) (state.Summary, bool) {
	return m.states.HealthSummary(role)
}

// HealthCheck scans every tracked role and returns its issues.
func (m *Manager) HealthCheck() []state.Issue {
	m.met.RecordHealthCheck()
	return m.states.HealthCheck()
}

// State returns the tracked state of role.
func (m *Manager) State(role string) (state.Info, bool) {
	return m.states.Get(role)
}

// RunHealthMonitor runs HealthCheck every interval until ctx is done,
// logging each issue found.
func (m *Manager) RunHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			issues := m.HealthCheck()
			for _, is := range issues {
				switch is.Kind {
				case state.IssueProcessExited, state.IssueRepeatedFailure:
					m.log.Error("health: %s", is)
				default:
					m.log.Warn("health: %s", is)
				}
			}
			if len(issues) == 0 {
				m.log.Debug("health: %d role(s) ok", len(m.Roles()))
			}
		}
	}
}
