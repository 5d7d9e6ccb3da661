// Package state implements the per-role connection state machine and
// the health and staleness rules derived from it.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	pserr "psmux/internal/errors"
	"psmux/internal/session"
)

// Status is the connection status of a role.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Failed
	Timeout
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// allowed lists the forward transitions.  Disconnected and Failed are
// reachable from every state and are not listed.
var allowed = map[Status][]Status{
	Disconnected: {Connecting},
	Connecting:   {Connected, Timeout},
	Connected:    {Reconnecting},
	Reconnecting: {Connecting, Connected, Timeout},
	Failed:       {Connecting, Reconnecting},
	Timeout:      {Connecting, Reconnecting},
}

func canTransition(from, to Status) bool {
	if from == to || to == Disconnected || to == Failed {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info is the tracked state of one role.
type Info struct {
	Role           string
	Endpoint       session.Endpoint
	Status         Status
	SessionID      string // manager-assigned
	SessionToken   string // returned by the remote endpoint
	RemoteVersion  string
	RemoteBuild    string
	ProductLine    string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	FailureCount   int
	LastError      string
}

// Auth is the metadata captured from a successful authentication.
type Auth struct {
	SessionID     string
	Token         string
	RemoteVersion string
	RemoteBuild   string
	ProductLine   string
}

// Thresholds parameterise health and staleness.
type Thresholds struct {
	// Inactivity beyond which a Connected role is no longer healthy.
	Inactivity time.Duration
	// Stale is the inactivity that HealthCheck reports.
	Stale time.Duration
	// MaxFailures at or above which a role is flagged.
	MaxFailures int
	// MaxAge beyond which a session is reported as possibly leaked.
	MaxAge time.Duration
}

// DefaultThresholds returns 5m / 10m / 3 / 24h.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Inactivity:  5 * time.Minute,
		Stale:       10 * time.Minute,
		MaxFailures: 3,
		MaxAge:      24 * time.Hour,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Inactivity <= 0 {
		t.Inactivity = d.Inactivity
	}
	if t.Stale <= 0 {
		t.Stale = d.Stale
	}
	if t.MaxFailures <= 0 {
		t.MaxFailures = d.MaxFailures
	}
	if t.MaxAge <= 0 {
		t.MaxAge = d.MaxAge
	}
	return t
}

// Tracker holds the state of every role.  It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Info
	th      Thresholds

	now    func() time.Time
	exited func(role string) bool
}

// NewTracker returns an empty Tracker.
func NewTracker(th Thresholds) *Tracker {
	return &Tracker{
		entries: make(map[string]*Info),
		th:      th.withDefaults(),
		now:     time.Now,
	}
}

// SetClock replaces the time source (tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// SetExitProbe installs the function used to ask whether a role's
// interpreter has exited.
func (t *Tracker) SetExitProbe(fn func(role string) bool) {
	t.mu.Lock()
	t.exited = fn
	t.mu.Unlock()
}

// Thresholds returns the effective thresholds.
func (t *Tracker) Thresholds() Thresholds { return t.th }

// CreateOrUpdate upserts role with ep and moves it to status.
//
// Entering Connected requires a session token (see SetAuth), stamps
// ConnectedAt when coming from anything but Connected or Reconnecting,
// resets FailureCount and counts as activity.  Entering Disconnected
// clears the authentication metadata.
func (t *Tracker) CreateOrUpdate(role string, ep session.Endpoint, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[role]
	if !ok {
		e = &Info{Role: role, Status: Disconnected}
	}
	if !canTransition(e.Status, status) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", pserr.ErrValidation, role, e.Status, status)
	}
	if status == Connected && e.SessionToken == "" {
		return fmt.Errorf("%w: %s cannot be Connected without a session token", pserr.ErrValidation, role)
	}
	if !ok {
		t.entries[role] = e
	}

	now := t.now()
	prev := e.Status
	e.Endpoint = ep
	e.Status = status
	switch status {
	case Connected:
		if (prev != Connected && prev != Reconnecting) || e.ConnectedAt.IsZero() {
			e.ConnectedAt = now
		}
		e.FailureCount = 0
		e.LastActivityAt = now
	case Failed:
		if prev != Failed {
			e.FailureCount++
		}
	case Disconnected:
		e.SessionID = ""
		e.SessionToken = ""
		e.ConnectedAt = time.Time{}
	}
	return nil
}

// SetAuth records the authentication metadata for role.
func (t *Tracker) SetAuth(role string, a Auth) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[role]
	if !ok {
		e = &Info{Role: role}
		t.entries[role] = e
	}
	e.SessionID = a.SessionID
	e.SessionToken = a.Token
	e.RemoteVersion = a.RemoteVersion
	e.RemoteBuild = a.RemoteBuild
	e.ProductLine = a.ProductLine
}

// Fail moves role to Failed, incrementing FailureCount and recording
// reason.  Failing an already Failed role only updates the reason.
func (t *Tracker) Fail(role, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[role]
	if !ok {
		e = &Info{Role: role}
		t.entries[role] = e
	}
	if e.Status != Failed {
		e.FailureCount++
	}
	e.Status = Failed
	e.LastError = reason
}

// RecordActivity bumps LastActivityAt.
func (t *Tracker) RecordActivity(role string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[role]; ok {
		e.LastActivityAt = t.now()
	}
}

// RecordError stores msg as the last error without changing status.
func (t *Tracker) RecordError(role, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[role]; ok {
		e.LastError = msg
	}
}

// Get returns a copy of role's state.
func (t *Tracker) Get(role string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[role]
	if !ok {
		return Info{}, false
	}
	return *e, true
}

// All returns a copy of every entry, sorted by role.
func (t *Tracker) All() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Remove forgets role entirely.
func (t *Tracker) Remove(role string) {
	t.mu.Lock()
	delete(t.entries, role)
	t.mu.Unlock()
}

// Clear forgets every role.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]*Info)
	t.mu.Unlock()
}

// IsConnected reports whether role is Connected.
func (t *Tracker) IsConnected(role string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[role]
	return ok && e.Status == Connected
}
