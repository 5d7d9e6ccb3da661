package core

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"psmux/config"
	"psmux/util"
)

func requireSh(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}
	return sh
}

// shConfig returns a config that drives sh for every role in specs.
func shConfig(t *testing.T, specs ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Interpreters = []string{requireSh(t)}
	cfg.Dialect = "posix"
	cfg.StateDir = t.TempDir()
	cfg.CommandTimeout = 5 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.GracePeriod = 2 * time.Second
	for _, s := range specs {
		rs, err := config.ParseRoleSpec(s)
		if err != nil {
			t.Fatal(err)
		}
		cfg.Roles = append(cfg.Roles, rs)
	}
	return cfg
}

func buildRuntime(t *testing.T, cfg *config.Config) (*Runtime, *bytes.Buffer) {
	t.Helper()
	rt, err := NewRuntime(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	rt.Stdout = &out
	return rt, &out
}

func TestScriptMode_SingleRole(t *testing.T) {
	t.Setenv("PSMUX_SECRET", "s3cret")
	cfg := shConfig(t, "source=admin@vc1.test")
	rt, out := buildRuntime(t, cfg)

	m := &ScriptMode{Runtime: rt, Roles: cfg.Roles, Script: "emit hello world"}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.String(); got != "hello\nworld\n" {
		t.Errorf("output = %q", got)
	}
	if rt.Manager.IsConnected("source") {
		t.Error("sessions should be torn down after Run")
	}
}

// TestScriptMode_PrefixesRoles verifies that output from several roles
// is labelled and kept in role order.
func TestScriptMode_PrefixesRoles(t *testing.T) {
	t.Setenv("PSMUX_SECRET", "s3cret")
	cfg := shConfig(t, "source=admin@vc1.test", "target=admin@vc2.test")
	rt, out := buildRuntime(t, cfg)

	m := &ScriptMode{
		Runtime: rt,
		Roles:   cfg.Roles,
		Script:  `emit "$PSMUX_CONTEXT"`,
		Metrics: true,
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "[source] admin@vc1.test\n[target] admin@vc2.test\n") {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(got, `"sessions_total": 2`) {
		t.Errorf("metrics missing from output: %q", got)
	}
}

func TestScriptMode_ConnectFailure(t *testing.T) {
	t.Setenv("PSMUX_SECRET", "")
	t.Setenv("PSMUX_SECRET_VC1_TEST", "")
	cfg := shConfig(t, "source=admin@vc1.test")
	rt, out := buildRuntime(t, cfg)

	m := &ScriptMode{Runtime: rt, Roles: cfg.Roles, Script: "emit never", Health: true}
	err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 1 role(s) failed") {
		t.Fatalf("err = %v", err)
	}
	got := out.String()
	if strings.Contains(got, "never") {
		t.Errorf("script ran without a session: %q", got)
	}
	if !strings.Contains(got, "source: Failed") {
		t.Errorf("health report = %q", got)
	}
}

func TestScriptMode_ScriptFailure(t *testing.T) {
	t.Setenv("PSMUX_SECRET", "s3cret")
	cfg := shConfig(t, "source=admin@vc1.test")
	cfg.CommandTimeout = 300 * time.Millisecond
	rt, _ := buildRuntime(t, cfg)

	m := &ScriptMode{Runtime: rt, Roles: cfg.Roles, Script: "sleep 2"}
	if err := m.Run(context.Background()); err == nil {
		t.Error("expected an error for a timed-out script")
	}
}

func TestWriteOutput(t *testing.T) {
	tests := []struct {
		name, prefix, in, want string
	}{
		{"empty", "[a] ", "", ""},
		{"single", "", "x", "x\n"},
		{"trailing newline", "[a] ", "x\ny\n", "[a] x\n[a] y\n"},
		{"blank line kept", "> ", "x\n\ny", "> x\n> \n> y\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b bytes.Buffer
			writeOutput(&b, tt.prefix, tt.in)
			if b.String() != tt.want {
				t.Errorf("got %q, want %q", b.String(), tt.want)
			}
		})
	}
}
