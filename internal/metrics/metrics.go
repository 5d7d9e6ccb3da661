// Package metrics provides lightweight, lock-free counters and gauges
// for the session manager: live sessions, commands, timeouts and
// interpreter exits.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a session manager.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive    atomic.Int64
	sessionsTotal     atomic.Int64
	connectFailures   atomic.Int64
	bootstrapFailures atomic.Int64
	commandsTotal     atomic.Int64
	commandTimeouts   atomic.Int64
	processExits      atomic.Int64
	scriptBytes       atomic.Int64
	outputLines       atomic.Int64
	errorsTotal       atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total session counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of sessions with a live process.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ConnectFailed records a Connect that did not reach Connected.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// BootstrapFailed records a session whose module import was exhausted.
func (c *Collector) BootstrapFailed() {
	if c == nil {
		return
	}
	c.bootstrapFailures.Add(1)
}

// ProcessExited records an interpreter that exited on its own.
func (c *Collector) ProcessExited() {
	if c == nil {
		return
	}
	c.processExits.Add(1)
}

// ── Command metrics ──────────────────────────────────────────────────

// CommandSent records one command written to an interpreter.
func (c *Collector) CommandSent(scriptBytes int) {
	if c == nil {
		return
	}
	c.commandsTotal.Add(1)
	c.scriptBytes.Add(int64(scriptBytes))
}

// CommandTimedOut records a command whose marker never arrived.
func (c *Collector) CommandTimedOut() {
	if c == nil {
		return
	}
	c.commandTimeouts.Add(1)
}

// LineReceived records one line of interpreter output.
func (c *Collector) LineReceived() {
	if c == nil {
		return
	}
	c.outputLines.Add(1)
}

// TotalCommands returns the lifetime command count.
func (c *Collector) TotalCommands() int64 {
	if c == nil {
		return 0
	}
	return c.commandsTotal.Load()
}

// CommandTimeouts returns how many commands timed out.
func (c *Collector) CommandTimeouts() int64 {
	if c == nil {
		return 0
	}
	return c.commandTimeouts.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	SessionsActive    int64  `json:"sessions_active"`
	SessionsTotal     int64  `json:"sessions_total"`
	ConnectFailures   int64  `json:"connect_failures"`
	BootstrapFailures int64  `json:"bootstrap_failures"`
	CommandsTotal     int64  `json:"commands_total"`
	CommandTimeouts   int64  `json:"command_timeouts"`
	ProcessExits      int64  `json:"process_exits"`
	ScriptBytes       int64  `json:"script_bytes"`
	OutputLines       int64  `json:"output_lines"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastHealthCheck   string `json:"last_health_check,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:    c.sessionsActive.Load(),
		SessionsTotal:     c.sessionsTotal.Load(),
		ConnectFailures:   c.connectFailures.Load(),
		BootstrapFailures: c.bootstrapFailures.Load(),
		CommandsTotal:     c.commandsTotal.Load(),
		CommandTimeouts:   c.commandTimeouts.Load(),
		ProcessExits:      c.processExits.Load(),
		ScriptBytes:       c.scriptBytes.Load(),
		OutputLines:       c.outputLines.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
