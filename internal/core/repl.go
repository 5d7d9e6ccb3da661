package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"psmux/config"
	"psmux/internal/state"
	"psmux/util"
)

// REPLMode connects every role and then reads scripts line by line,
// running each in the current role.  Lines starting with ':' are
// commands:
//
//	:use <role>    switch the current role
//	:roles         list roles and their status
//	:health        print a health report
//	:metrics       print a metrics snapshot
//	:reconnect     reconnect the current role
//	:disconnect    disconnect the current role
//	:quit          leave (also :q, :exit)
//
// A line ending in a backslash continues on the next line.
type REPLMode struct {
	Runtime *Runtime
	Roles   []config.RoleSpec
	Logger  *util.Logger

	// Stdin defaults to os.Stdin when nil.
	Stdin io.Reader
	// NoPrompt suppresses the "role> " prompt, for piped input.
	NoPrompt bool
}

// Run implements Mode.
func (m *REPLMode) Run(ctx context.Context) error {
	rt := m.Runtime
	defer closeRuntime(rt)
	out := rt.stdout()
	if len(m.Roles) == 0 {
		return fmt.Errorf("repl: no roles configured (use --role)")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, res := range rt.ConnectAll(ctx, m.Roles) {
		if !res.OK {
			m.Logger.Warn("%s: %s", m.Roles[i].Role, res.Message)
		}
	}
	go rt.Manager.RunHealthMonitor(ctx, rt.Config.HealthInterval)

	current := m.Roles[0].Role
	for _, rs := range m.Roles {
		if rt.Manager.IsConnected(rs.Role) {
			current = rs.Role
			break
		}
	}

	lines := scanLines(m.stdin())
	var pending []string
	for {
		switch {
		case m.NoPrompt:
		case len(pending) == 0:
			fmt.Fprintf(out, "%s> ", current)
		default:
			fmt.Fprint(out, "... ")
		}

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			m.newline(out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			m.newline(out)
			return nil
		}

		if strings.HasSuffix(line, `\`) {
			pending = append(pending, strings.TrimSuffix(line, `\`))
			continue
		}
		script := strings.Join(append(pending, line), "\n")
		pending = nil

		trimmed := strings.TrimSpace(script)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, ":"):
			var quit bool
			current, quit = m.command(ctx, out, current, trimmed)
			if quit {
				return nil
			}
		default:
			res := rt.Manager.Execute(ctx, current, script)
			writeOutput(out, "", res.Output)
			if !res.OK {
				fmt.Fprintf(out, "error: %s\n", res.Message)
			}
		}
	}
}

// command runs one ':' command and returns the new current role.
func (m *REPLMode) command(ctx context.Context, out io.Writer, current, line string) (string, bool) {
	rt := m.Runtime
	fields := strings.Fields(line)

	switch fields[0] {
	case ":quit", ":q", ":exit":
		return current, true

	case ":use":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: :use <role>")
			return current, false
		}
		if _, ok := m.spec(fields[1]); !ok {
			fmt.Fprintf(out, "unknown role %q\n", fields[1])
			return current, false
		}
		return fields[1], false

	case ":roles":
		for _, rs := range m.Roles {
			mark := " "
			if rs.Role == current {
				mark = "*"
			}
			status := state.Disconnected
			if info, ok := rt.Manager.State(rs.Role); ok {
				status = info.Status
			}
			fmt.Fprintf(out, "%s %-12s %-13s %s\n", mark, rs.Role, status, rs.Principal+"@"+rs.Address)
		}

	case ":health":
		rt.Report(out)

	case ":metrics":
		fmt.Fprintln(out, rt.Metrics.JSON())

	case ":reconnect":
		rs, _ := m.spec(current)
		fmt.Fprintln(out, rt.Connect(ctx, rs))

	case ":disconnect":
		fmt.Fprintln(out, rt.Manager.Disconnect(ctx, current))

	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return current, false
}

func (m *REPLMode) spec(role string) (config.RoleSpec, bool) {
	for _, rs := range m.Roles {
		if rs.Role == role {
			return rs, true
		}
	}
	return config.RoleSpec{}, false
}

func (m *REPLMode) newline(out io.Writer) {
	if !m.NoPrompt {
		fmt.Fprintln(out)
	}
}

func (m *REPLMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

// scanLines feeds r's lines into a channel that is closed at EOF.  The
// reader goroutine outlives Run when r blocks; that only happens for a
// terminal, where the process is about to exit anyway.
func scanLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}
