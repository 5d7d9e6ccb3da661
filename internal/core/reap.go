package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"psmux/internal/process"
	"psmux/util"
)

// ReapMode kills interpreters recorded in the state directory by a
// psmux host that is no longer running.
type ReapMode struct {
	PIDs   *process.PIDTracker
	Logger *util.Logger

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

// Run implements Mode.
func (m *ReapMode) Run(_ context.Context) error {
	out := m.Stdout
	if out == nil {
		out = os.Stdout
	}

	entries, err := m.PIDs.Entries()
	if err != nil {
		return fmt.Errorf("reading PID files: %w", err)
	}
	m.Logger.Verbose("%d tracked interpreter(s)", len(entries))
	for _, e := range entries {
		m.Logger.Debug("%s: pid %d owned by host %d", e.Role, e.PID, e.HostPID)
	}

	killed, errs := m.PIDs.Reap()
	fmt.Fprintf(out, "reaped %d orphaned interpreter(s)\n", killed)
	for _, e := range errs {
		m.Logger.Error("reap: %s", e)
	}
	if len(errs) > 0 {
		return fmt.Errorf("reap: %d error(s)", len(errs))
	}
	return nil
}
