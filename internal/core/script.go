package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"psmux/config"
	"psmux/util"
)

// teardownTimeout bounds the sign-off of every session after a mode
// finishes, even when the run context was cancelled.
const teardownTimeout = 30 * time.Second

// ScriptMode connects every role, runs one script in each and exits.
type ScriptMode struct {
	Runtime *Runtime
	Roles   []config.RoleSpec
	Script  string
	Health  bool // print a health report afterwards
	Metrics bool // print a metrics snapshot afterwards
	Logger  *util.Logger
}

// Run implements Mode.
func (m *ScriptMode) Run(ctx context.Context) error {
	rt := m.Runtime
	defer closeRuntime(rt)
	out := rt.stdout()

	m.Logger.Verbose("connecting %d role(s)", len(m.Roles))
	results := rt.ConnectAll(ctx, m.Roles)

	var failures int
	for i, rs := range m.Roles {
		res := results[i]
		if !res.OK {
			failures++
			m.Logger.Error("%s: %s", rs.Role, res.Message)
			continue
		}
		m.Logger.Info("%s: connected to %s (session %s)", rs.Role, rs.Address, res.SessionID)

		if strings.TrimSpace(m.Script) == "" {
			continue
		}
		res = rt.Manager.Execute(ctx, rs.Role, m.Script)
		prefix := ""
		if len(m.Roles) > 1 {
			prefix = "[" + rs.Role + "] "
		}
		writeOutput(out, prefix, res.Output)
		if !res.OK {
			failures++
			m.Logger.Error("%s: %s", rs.Role, res.Message)
		}
	}

	if m.Health {
		rt.Report(out)
	}
	if m.Metrics {
		fmt.Fprintln(out, rt.Metrics.JSON())
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d role(s) failed", failures, len(m.Roles))
	}
	return nil
}

// writeOutput prints each output line with prefix.
func writeOutput(w io.Writer, prefix, output string) {
	if output == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		fmt.Fprintf(w, "%s%s\n", prefix, line)
	}
}

func closeRuntime(rt *Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	rt.Close(ctx)
}
