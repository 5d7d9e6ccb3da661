// Package process launches and supervises interpreter processes.
//
// A [Launcher] knows how to start one executable (locally through
// os/exec, or on a remote host through the tunnel package); the
// [Supervisor] walks an ordered list of candidate executables until one
// starts.  Output delivery is wired into the launch itself, so no line
// can be produced before a listener is attached.
package process

import (
	"context"
	"path/filepath"
	"strings"
)

// Process is a running interpreter with redirected standard streams.
// Its input side is owned by exactly one session.
type Process interface {
	// Name is the candidate that was started.
	Name() string
	// Pid is the OS process id (0 if unknown, e.g. remote processes).
	Pid() int
	// Write sends bytes to the process's standard input.
	Write(p []byte) (int, error)
	// CloseInput closes standard input, asking the interpreter to exit.
	CloseInput() error
	// Done is closed once the process has exited and its output has
	// been fully delivered.
	Done() <-chan struct{}
	// Exited reports whether Done is closed.
	Exited() bool
	// ExitErr is the wait error after exit (nil for a clean exit).
	ExitErr() error
	// Kill forcibly terminates the process and any children it spawned.
	Kill() error
}

// Spec describes how to start an interpreter.
type Spec struct {
	Args []string
	Env  []string // extra KEY=VALUE pairs appended to the inherited env
	Dir  string

	// OnLine receives every stdout line; OnErrLine every stderr line.
	// When OnErrLine is nil stderr lines go to OnLine.
	OnLine    func(line string)
	OnErrLine func(line string)
}

func (s Spec) errLine() func(string) {
	if s.OnErrLine != nil {
		return s.OnErrLine
	}
	return s.OnLine
}

// Launcher starts a single named executable.
type Launcher interface {
	// Stat checks that a filesystem-qualified candidate exists.
	Stat(ctx context.Context, path string) error
	// Start launches name with spec.  A missing executable must yield
	// an error matching exec.ErrNotFound or fs.ErrNotExist.
	Start(ctx context.Context, name string, spec Spec) (Process, error)
}

// IsQualified reports whether candidate names a filesystem location
// (absolute, or containing a path separator) rather than a bare
// command to be resolved through PATH.
func IsQualified(candidate string) bool {
	return filepath.IsAbs(candidate) || strings.ContainsAny(candidate, `/\`)
}

// alive reports whether done is still open.
func alive(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	default:
		return true
	}
}
