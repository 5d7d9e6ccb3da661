// Package session binds one interpreter process to a logical role.
//
// A Session owns its process handle and output buffer exclusively:
// only the command channel writes to the process's input, and only the
// process's line callbacks append to the buffer.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"psmux/internal/dialect"
	pserr "psmux/internal/errors"
	"psmux/internal/output"
	"psmux/internal/process"
	"psmux/util"
)

// Endpoint is the remote management endpoint a session authenticates
// against.  It is immutable for the session's lifetime.
type Endpoint struct {
	Address   string
	Principal string
	Port      int // 0 means the module's default
}

// Validate checks that the endpoint names an address and a principal.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Address) == "" {
		return pserr.Validation("endpoint address is empty")
	}
	if strings.ContainsAny(e.Address, " \t\r\n") {
		return pserr.Validation("endpoint address %q contains whitespace", e.Address)
	}
	if strings.TrimSpace(e.Principal) == "" {
		return pserr.Validation("endpoint principal is empty")
	}
	if e.Port < 0 || e.Port > 65535 {
		return pserr.Validation("endpoint port %d out of range", e.Port)
	}
	return nil
}

// HostPort returns a dialable host:port for the endpoint, using
// defaultPort when neither the endpoint nor its address names one.
func (e Endpoint) HostPort(defaultPort int) (string, error) {
	if e.Port > 0 {
		defaultPort = e.Port
	}
	return util.EndpointAddr(e.Address, defaultPort)
}

// Target converts the endpoint for use in dialect scripts.
func (e Endpoint) Target() dialect.Target {
	return dialect.Target{Address: e.Address, Principal: e.Principal, Port: e.Port}
}

func (e Endpoint) String() string {
	s := e.Principal + "@" + e.Address
	if e.Port > 0 {
		s += ":" + strconv.Itoa(e.Port)
	}
	return s
}

// Session is one interpreter process bound to a role.
type Session struct {
	Role      string
	ID        string
	Endpoint  Endpoint
	Dialect   dialect.Dialect
	Process   process.Process
	Buffer    *output.Buffer
	CreatedAt time.Time

	// cmdMu admits one command in flight at a time.
	cmdMu sync.Mutex
	// abandoned holds the markers of commands the channel stopped
	// waiting for, oldest first.  Guarded by cmdMu.
	abandoned []string

	closing      atomic.Bool
	mu           sync.Mutex
	moduleLabel  string // bootstrap module label, or "bypass"
	logSessionID string
}

// New creates a session for a freshly spawned process.
func New(role, id string, ep Endpoint, d dialect.Dialect, p process.Process, buf *output.Buffer) *Session {
	return &Session{
		Role:      role,
		ID:        id,
		Endpoint:  ep,
		Dialect:   d,
		Process:   p,
		Buffer:    buf,
		CreatedAt: time.Now(),
	}
}

// Lock acquires the session's command slot.
func (s *Session) Lock() { s.cmdMu.Lock() }

// TryLock acquires the command slot only if it is free.
func (s *Session) TryLock() bool { return s.cmdMu.TryLock() }

// Unlock releases the command slot.
func (s *Session) Unlock() { s.cmdMu.Unlock() }

// Abandon records the marker of a command whose output is still on its
// way.  The caller must hold the command slot.
func (s *Session) Abandon(marker string) { s.abandoned = append(s.abandoned, marker) }

// Abandoned returns the outstanding markers, oldest first.  The caller
// must hold the command slot.
func (s *Session) Abandoned() []string { return s.abandoned }

// Settle forgets the oldest n outstanding markers.  The caller must
// hold the command slot.
func (s *Session) Settle(n int) { s.abandoned = s.abandoned[n:] }

// MarkClosing records that the session is being torn down on purpose,
// so its process exiting is not reported as a failure.
func (s *Session) MarkClosing() { s.closing.Store(true) }

// Closing reports whether MarkClosing was called.
func (s *Session) Closing() bool { return s.closing.Load() }

// Exited reports whether the interpreter has exited.
func (s *Session) Exited() bool {
	return s.Process == nil || s.Process.Exited()
}

// SetModule records the module label chosen by bootstrap.
func (s *Session) SetModule(label string) {
	s.mu.Lock()
	s.moduleLabel = label
	s.mu.Unlock()
}

// Module returns the bootstrap module label ("" before bootstrap).
func (s *Session) Module() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moduleLabel
}

// SetLogSession records the id returned by the log sink.
func (s *Session) SetLogSession(id string) {
	s.mu.Lock()
	s.logSessionID = id
	s.mu.Unlock()
}

// LogSession returns the log sink id for this session.
func (s *Session) LogSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logSessionID
}

func (s *Session) String() string {
	pid := "?"
	if s.Process != nil && s.Process.Pid() > 0 {
		pid = strconv.Itoa(s.Process.Pid())
	}
	return fmt.Sprintf("%s[%s pid=%s]", s.Role, s.Endpoint, pid)
}
