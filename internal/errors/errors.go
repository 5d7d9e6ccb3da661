// Package errors provides the error taxonomy for psmux.
//
// Every failure the session manager can report maps to one of the
// sentinels below.  The structured types carry the context (role,
// candidates tried, strategy diagnostics, remote message) needed for
// diagnostics and unwrap to their sentinel, so callers only ever need
// errors.Is.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNoExecutableFound = errors.New("no interpreter executable found")
	ErrBootstrapFailed   = errors.New("bootstrap failed")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrPipeClosed        = errors.New("interpreter input pipe closed")
	ErrProcessExited     = errors.New("interpreter process exited")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrValidation        = errors.New("validation failed")
	ErrNotConnected      = errors.New("no active connection")
	ErrContextMismatch   = errors.New("active remote context does not match session")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)

// ── Structured error types ───────────────────────────────────────────

// Attempt records one failed try during candidate discovery or
// module bootstrap.
type Attempt struct {
	Name     string
	Err      error
	Duration time.Duration
}

func (a Attempt) String() string {
	if a.Err == nil {
		return a.Name + ": ok"
	}
	return fmt.Sprintf("%s: %v", a.Name, a.Err)
}

// SpawnError is returned when every interpreter candidate failed to
// start.  Err is the last underlying failure.
type SpawnError struct {
	Attempts []Attempt
	Err      error
}

func (e *SpawnError) Error() string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Name
	}
	return fmt.Sprintf("%v (tried %s): %v",
		ErrNoExecutableFound, strings.Join(names, ", "), e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrNoExecutableFound, e.Err} }

// BootstrapError is returned when every module-import strategy failed.
type BootstrapError struct {
	Attempts []Attempt
}

func (e *BootstrapError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrBootstrapFailed.Error() + ": no strategies configured"
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("%v after %d strategies, last %s",
		ErrBootstrapFailed, len(e.Attempts), last)
}

func (e *BootstrapError) Unwrap() error { return ErrBootstrapFailed }

// Diagnostics renders one line per attempt.
func (e *BootstrapError) Diagnostics() []string {
	out := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.String()
	}
	return out
}

// AuthError carries the remote side's message for a failed sign-in
// together with an advisory classification.
type AuthError struct {
	Endpoint      string
	Category      Category
	RemoteMessage string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%v for %s (%s): %s",
		ErrAuthFailed, e.Endpoint, e.Category, e.RemoteMessage)
}

func (e *AuthError) Unwrap() error { return ErrAuthFailed }

// CommandError ties a command-channel failure to the role it hit.
type CommandError struct {
	Role string
	Op   string // "write", "wait", "precheck"
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Role, e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return ErrValidation }

// ── Constructors ─────────────────────────────────────────────────────

// Validation returns an ErrValidation-wrapping error.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// WrapCommand creates a CommandError.
func WrapCommand(role, op string, err error) *CommandError {
	return &CommandError{Role: role, Op: op, Err: err}
}

// ── Remote message classification ────────────────────────────────────

// Category is an advisory bucket for remote-side error text.
type Category string

const (
	CategoryCertificate Category = "certificate"
	CategoryCredential  Category = "credential"
	CategoryTimeout     Category = "timeout"
	CategoryNetwork     Category = "network"
	CategoryUnknown     Category = "unknown"
)

var categoryPatterns = []struct {
	cat      Category
	patterns []string
}{
	{CategoryCertificate, []string{"certificate", "ssl", "tls", "trust relationship", "invalidcertificateaction"}},
	{CategoryCredential, []string{"incorrect user name or password", "cannot complete login", "invalid credential",
		"authentication", "unauthorized", "access denied", "password", "permission"}},
	{CategoryTimeout, []string{"timed out", "timeout", "operation has timed out"}},
	{CategoryNetwork, []string{"could not resolve", "no such host", "name resolution", "unreachable",
		"connection refused", "actively refused", "could not connect", "network", "no route to host"}},
}

// Classify buckets remote error text by pattern.  It is advisory: the
// categories overlap in practice and the first match wins.
func Classify(msg string) Category {
	lower := strings.ToLower(msg)
	for _, c := range categoryPatterns {
		for _, p := range c.patterns {
			if strings.Contains(lower, p) {
				return c.cat
			}
		}
	}
	return CategoryUnknown
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether a caller-level retry might succeed.
// Command timeouts and network/timeout-class sign-in failures are
// transient; everything else needs a human or a config change.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrValidation) {
		return false
	}
	if errors.Is(err, ErrCommandTimeout) {
		return true
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Category == CategoryNetwork || ae.Category == CategoryTimeout
	}
	return false
}

// IsFatal reports whether err means the session's process can no
// longer be used and a fresh Connect is required.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPipeClosed) || errors.Is(err, ErrProcessExited)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use psmux/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
