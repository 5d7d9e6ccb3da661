package state

import (
	"fmt"
	"strings"
	"time"
)

// IssueKind classifies a HealthCheck finding.
type IssueKind int

const (
	IssueStale IssueKind = iota
	IssueRepeatedFailure
	IssueLongLived
	IssueProcessExited
)

func (k IssueKind) String() string {
	switch k {
	case IssueStale:
		return "stale"
	case IssueRepeatedFailure:
		return "repeated-failure"
	case IssueLongLived:
		return "long-lived"
	case IssueProcessExited:
		return "process-exited"
	default:
		return "unknown"
	}
}

// Issue is one HealthCheck finding.
type Issue struct {
	Role   string
	Kind   IssueKind
	Detail string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Role, i.Kind, i.Detail)
}

// Summary is the health of one role at a point in time.
type Summary struct {
	Role         string
	Status       Status
	Healthy      bool
	Idle         time.Duration
	Age          time.Duration
	FailureCount int
	LastError    string
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", s.Role, s.Status)
	if s.Status == Connected {
		fmt.Fprintf(&b, ", idle %s, up %s", s.Idle.Truncate(time.Second), s.Age.Truncate(time.Second))
	}
	if s.Healthy {
		b.WriteString(", healthy")
	} else {
		b.WriteString(", unhealthy")
	}
	if s.FailureCount > 0 {
		fmt.Fprintf(&b, ", %d failure(s)", s.FailureCount)
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, ", last error: %s", s.LastError)
	}
	return b.String()
}

// processExited consults the exit probe.  It must be called without
// t.mu held: the probe reaches back into the session registry.
func (t *Tracker) processExited(role string) bool {
	t.mu.RLock()
	probe := t.exited
	t.mu.RUnlock()
	return probe != nil && probe(role)
}

func (t *Tracker) snapshot(role string) (Info, time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[role]
	if !ok {
		return Info{}, t.now(), false
	}
	return *e, t.now(), true
}

func (t *Tracker) healthy(e Info, now time.Time) bool {
	return e.Status == Connected &&
		now.Sub(e.LastActivityAt) < t.th.Inactivity &&
		e.FailureCount < t.th.MaxFailures &&
		!t.processExited(e.Role)
}

// IsHealthy reports whether role is Connected, active within the
// inactivity threshold, below the failure threshold and still running.
func (t *Tracker) IsHealthy(role string) bool {
	e, now, ok := t.snapshot(role)
	return ok && t.healthy(e, now)
}

// HealthSummary describes role's health.
func (t *Tracker) HealthSummary(role string) (Summary, bool) {
	e, now, ok := t.snapshot(role)
	if !ok {
		return Summary{Role: role, Status: Disconnected}, false
	}
	s := Summary{
		Role:         role,
		Status:       e.Status,
		Healthy:      t.healthy(e, now),
		FailureCount: e.FailureCount,
		LastError:    e.LastError,
	}
	if !e.LastActivityAt.IsZero() {
		s.Idle = now.Sub(e.LastActivityAt)
	}
	if !e.ConnectedAt.IsZero() {
		s.Age = now.Sub(e.ConnectedAt)
	}
	return s, true
}

// HealthCheck scans every role and reports staleness, repeated
// failure, long-lived sessions and interpreters that exited while
// still marked Connected.  Findings are ordered by role.
func (t *Tracker) HealthCheck() []Issue {
	t.mu.RLock()
	now := t.now()
	t.mu.RUnlock()

	var issues []Issue
	for _, e := range t.All() {
		if e.Status == Connected {
			if idle := now.Sub(e.LastActivityAt); idle > t.th.Stale {
				issues = append(issues, Issue{e.Role, IssueStale,
					fmt.Sprintf("no activity for %s", idle.Truncate(time.Second))})
			}
			if age := now.Sub(e.ConnectedAt); age > t.th.MaxAge {
				issues = append(issues, Issue{e.Role, IssueLongLived,
					fmt.Sprintf("connected for %s, possible leak", age.Truncate(time.Minute))})
			}
			if t.processExited(e.Role) {
				issues = append(issues, Issue{e.Role, IssueProcessExited,
					"interpreter exited while marked Connected"})
			}
		}
		if e.FailureCount >= t.th.MaxFailures {
			issues = append(issues, Issue{e.Role, IssueRepeatedFailure,
				fmt.Sprintf("%d consecutive failures", e.FailureCount)})
		}
	}
	return issues
}
