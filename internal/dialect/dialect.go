// Package dialect describes how psmux talks to one kind of interpreter:
// the arguments it is started with, how a script is wrapped so its end
// is observable on stdout, and the handful of fixed scripts the session
// manager runs itself (authentication, context probe, sign-off).
//
// Two dialects ship: PowerShell, which drives PowerCLI against vCenter
// endpoints, and POSIX sh, used on hosts without PowerShell and by the
// tests.
package dialect

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Target identifies the remote endpoint a script acts against.
type Target struct {
	Address   string
	Principal string
	Port      int
}

// Dialect is the interpreter-specific half of the command protocol.
type Dialect interface {
	// Name is the configuration name of the dialect ("powershell", "posix").
	Name() string
	// Args are the interpreter arguments.  They always keep the
	// interpreter alive and reading scripts from standard input.
	Args() []string
	// Prelude runs once, right after spawn, before anything else.
	Prelude() string
	// Wrap encloses script so that, whether it succeeds or fails,
	// the completion marker for token is written as the last line.
	// The marker text itself never appears in the returned string.
	Wrap(script, token string) string
	// Quote returns s as a single-quoted literal.
	Quote(s string) string
	// AuthScript authenticates against t.  Its output carries the
	// RESULT_OK / RESULT_FAILED:<reason> / SESSION_ID: / VERSION: /
	// BUILD: / PRODUCT: lines.
	AuthScript(t Target, secret string) string
	// ContextProbe prints CONTEXT_OK when t is the active context, or
	// CONTEXT_MISMATCH:<active> otherwise.
	ContextProbe(t Target) string
	// SignOffProbe prints SIGNOFF_NEEDED when a remote connection is
	// open and the module that owns it is loaded, SIGNOFF_SKIP otherwise.
	SignOffProbe() string
	// SignOff closes every open remote connection.
	SignOff() string
	// Exit asks the interpreter to terminate.
	Exit() string
}

// Output line markers shared by every dialect.
const (
	ResultOK        = "RESULT_OK"
	ResultFailed    = "RESULT_FAILED:"
	SessionIDPrefix = "SESSION_ID:"
	VersionPrefix   = "VERSION:"
	BuildPrefix     = "BUILD:"
	ProductPrefix   = "PRODUCT:"

	ContextOK       = "CONTEXT_OK"
	ContextMismatch = "CONTEXT_MISMATCH:"

	SignOffNeeded = "SIGNOFF_NEEDED"
	SignOffSkip   = "SIGNOFF_SKIP"
)

// The completion marker is markerHead + markerTail(token).  Wrapped
// scripts print the two halves joined, so the full marker only ever
// exists in the interpreter's output, never in the text sent to it.
const (
	markerHead = "__PSMUX"
	markerSep  = "_DONE_"
)

func markerTail(token string) string { return markerSep + token + "__" }

// NewToken returns a fresh high-entropy marker token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Marker returns the full completion marker line for token.
//
// Correlation by marker text is an accepted protocol limitation: a
// script that prints this exact line on its own would end its command
// early.  Tokens are 122 random bits and fresh per call, so that can
// only happen deliberately.
func Marker(token string) string {
	return markerHead + markerTail(token)
}

// ForName returns the dialect registered under name.
func ForName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "powershell", "pwsh":
		return PowerShell{}, nil
	case "posix", "sh":
		return POSIX{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q (want powershell or posix)", name)
	}
}
