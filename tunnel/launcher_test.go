package tunnel

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"psmux/internal/process"
)

func newLauncher(t *testing.T) (*Launcher, *testServer) {
	t.Helper()
	requireSh(t)
	srv := newTestServer(t)
	c := NewSSHClient(srv.config(), nil)
	t.Cleanup(func() { c.Close() })
	return NewLauncher(c, nil), srv
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(l string) {
	s.mu.Lock()
	s.lines = append(s.lines, l)
	s.mu.Unlock()
}

func (s *lineSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestLauncher_Stat(t *testing.T) {
	l, _ := newLauncher(t)
	sh, _ := exec.LookPath("sh")

	if err := l.Stat(context.Background(), sh); err != nil {
		t.Errorf("Stat(%s): %v", sh, err)
	}
	if err := l.Stat(context.Background(), "/nonexistent/pwsh"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestLauncher_StartMissing(t *testing.T) {
	l, _ := newLauncher(t)
	_, err := l.Start(context.Background(), "psmux-no-such-interpreter", process.Spec{})
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("expected exec.ErrNotFound, got %v", err)
	}
}

func TestLauncher_RoundTrip(t *testing.T) {
	l, srv := newLauncher(t)
	var out lineSink

	p, err := l.Start(context.Background(), "sh", process.Spec{
		Args:   []string{"-s"},
		Env:    []string{"PSMUX_GREETING=it's here"},
		OnLine: out.add,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Pid() != 0 {
		t.Errorf("remote Pid() = %d, want 0", p.Pid())
	}
	if _, err := p.Write([]byte("echo \"$PSMUX_GREETING\"\necho oops 1>&2\n")); err != nil {
		t.Fatal(err)
	}
	if err := p.CloseInput(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote process did not exit")
	}
	if !p.Exited() {
		t.Error("Exited() should be true")
	}

	got := strings.Join(out.get(), "|")
	if !strings.Contains(got, "it's here") || !strings.Contains(got, "oops") {
		t.Errorf("lines = %q", got)
	}

	execs := srv.execs()
	last := execs[len(execs)-1]
	if !strings.Contains(last, `PSMUX_GREETING='it'\''s here'`) || !strings.Contains(last, "exec 'sh' '-s'") {
		t.Errorf("command line = %q", last)
	}
}

func TestLauncher_Kill(t *testing.T) {
	l, _ := newLauncher(t)
	p, err := l.Start(context.Background(), "sh", process.Spec{Args: []string{"-s"}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Exited() {
		t.Fatal("exited too early")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Kill did not end the process")
	}
	if err := p.Kill(); err != nil {
		t.Errorf("second Kill: %v", err)
	}
}

func TestLauncher_SupervisorFallback(t *testing.T) {
	l, _ := newLauncher(t)
	s := process.NewSupervisor(l, nil)

	p, err := s.Spawn(context.Background(), "source",
		[]string{"/nonexistent/pwsh", "psmux-no-such-interpreter", "sh"},
		process.Spec{Args: []string{"-s"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Kill() //nolint:errcheck
	if p.Name() != "sh" {
		t.Errorf("started %q, want sh", p.Name())
	}
}

func TestCommandLine(t *testing.T) {
	got := commandLine("/opt/microsoft/powershell/7/pwsh", process.Spec{
		Args: []string{"-NoProfile", "-Command", "-"},
		Dir:  "/tmp/work dir",
	})
	want := `cd '/tmp/work dir' && exec '/opt/microsoft/powershell/7/pwsh' '-NoProfile' '-Command' '-'`
	if got != want {
		t.Errorf("commandLine =\n  %s\nwant\n  %s", got, want)
	}
}
