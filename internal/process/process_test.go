package process

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pserr "psmux/internal/errors"
	"psmux/util"
)

func requireSh(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

type lines struct {
	mu sync.Mutex
	l  []string
}

func (c *lines) add(s string) {
	c.mu.Lock()
	c.l = append(c.l, s)
	c.mu.Unlock()
}

func (c *lines) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.l...)
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestIsQualified(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"pwsh", false},
		{"powershell.exe", false},
		{"/usr/bin/pwsh", true},
		{"./pwsh", true},
		{`C:\Program Files\PowerShell\7\pwsh.exe`, true},
	}
	for _, tt := range tests {
		if got := IsQualified(tt.in); got != tt.want {
			t.Errorf("IsQualified(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLocalLauncher_DeliversOutput(t *testing.T) {
	sh := requireSh(t)
	var out, errOut lines

	p, err := (&LocalLauncher{}).Start(context.Background(), sh, Spec{
		Args:      []string{"-c", "echo out-line; echo err-line 1>&2"},
		OnLine:    out.add,
		OnErrLine: errOut.add,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)

	if got := out.get(); len(got) != 1 || got[0] != "out-line" {
		t.Errorf("stdout lines = %q", got)
	}
	if got := errOut.get(); len(got) != 1 || got[0] != "err-line" {
		t.Errorf("stderr lines = %q", got)
	}
	if !p.Exited() {
		t.Error("Exited() should be true after Done")
	}
	if p.ExitErr() != nil {
		t.Errorf("ExitErr() = %v", p.ExitErr())
	}
}

func TestLocalLauncher_StdinRoundTrip(t *testing.T) {
	sh := requireSh(t)
	var out lines

	p, err := (&LocalLauncher{}).Start(context.Background(), sh, Spec{
		Args:   []string{"-s"},
		OnLine: out.add,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid() = %d", p.Pid())
	}
	if _, err := p.Write([]byte("echo hello\n")); err != nil {
		t.Fatal(err)
	}
	if err := p.CloseInput(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)

	if got := out.get(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("lines = %q", got)
	}
}

func TestLocalLauncher_KillTree(t *testing.T) {
	sh := requireSh(t)
	p, err := (&LocalLauncher{WaitDelay: 200 * time.Millisecond}).Start(context.Background(), sh, Spec{
		Args: []string{"-c", "sleep 30 & sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Exited() {
		t.Fatal("process exited too early")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, p)
	if err := p.Kill(); err != nil {
		t.Errorf("Kill after exit should be a no-op, got %v", err)
	}
}

func TestLocalLauncher_NotFound(t *testing.T) {
	_, err := (&LocalLauncher{}).Start(context.Background(), "psmux-no-such-interpreter", Spec{})
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("expected exec.ErrNotFound, got %v", err)
	}
}

// fakeLauncher records which candidates were tried.
type fakeLauncher struct {
	present map[string]bool // qualified paths that Stat accepts
	start   map[string]error
	tried   []string
	statted []string
}

func (f *fakeLauncher) Stat(_ context.Context, path string) error {
	f.statted = append(f.statted, path)
	if f.present[path] {
		return nil
	}
	return fs.ErrNotExist
}

func (f *fakeLauncher) Start(_ context.Context, name string, _ Spec) (Process, error) {
	f.tried = append(f.tried, name)
	if err, ok := f.start[name]; ok {
		return nil, err
	}
	return &stubProcess{name: name, done: make(chan struct{})}, nil
}

type stubProcess struct {
	name string
	done chan struct{}
}

func (s *stubProcess) Name() string                { return s.name }
func (s *stubProcess) Pid() int                    { return 0 }
func (s *stubProcess) Write(b []byte) (int, error) { return len(b), nil }
func (s *stubProcess) CloseInput() error           { return nil }
func (s *stubProcess) Done() <-chan struct{}       { return s.done }
func (s *stubProcess) Exited() bool                { return !alive(s.done) }
func (s *stubProcess) ExitErr() error              { return nil }
func (s *stubProcess) Kill() error                 { return nil }

func TestSupervisor_FallsBackInOrder(t *testing.T) {
	f := &fakeLauncher{
		present: map[string]bool{"/opt/pwsh": true},
		start: map[string]error{
			"pwsh":      &exec.Error{Name: "pwsh", Err: exec.ErrNotFound},
			"/opt/pwsh": errors.New("exec format error"),
		},
	}
	s := NewSupervisor(f, util.NewLogger(0))

	p, err := s.Spawn(context.Background(), "source",
		[]string{"pwsh", "/missing/pwsh", "/opt/pwsh", "powershell"}, Spec{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if p.Name() != "powershell" {
		t.Errorf("started %q, want powershell", p.Name())
	}
	// The missing qualified path is never started.
	if want := "pwsh,/opt/pwsh,powershell"; strings.Join(f.tried, ",") != want {
		t.Errorf("tried %v, want %s", f.tried, want)
	}
	if want := "/missing/pwsh,/opt/pwsh"; strings.Join(f.statted, ",") != want {
		t.Errorf("statted %v, want %s", f.statted, want)
	}
}

func TestSupervisor_AllCandidatesFail(t *testing.T) {
	last := errors.New("permission denied")
	f := &fakeLauncher{start: map[string]error{
		"pwsh":       &exec.Error{Name: "pwsh", Err: exec.ErrNotFound},
		"powershell": last,
	}}
	s := NewSupervisor(f, nil)

	_, err := s.Spawn(context.Background(), "target", []string{"pwsh", " ", "powershell"}, Spec{})
	if !errors.Is(err, pserr.ErrNoExecutableFound) {
		t.Fatalf("expected ErrNoExecutableFound, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("error should carry the last failure: %v", err)
	}
	var se *pserr.SpawnError
	if !errors.As(err, &se) || len(se.Attempts) != 2 {
		t.Errorf("expected 2 recorded attempts, got %+v", se)
	}
}

func TestSupervisor_EmptyCandidates(t *testing.T) {
	s := NewSupervisor(&fakeLauncher{}, nil)
	_, err := s.Spawn(context.Background(), "r", nil, Spec{})
	if !errors.Is(err, pserr.ErrNoExecutableFound) {
		t.Errorf("expected ErrNoExecutableFound, got %v", err)
	}
}

func TestSupervisor_TracksPIDs(t *testing.T) {
	sh := requireSh(t)
	dir := t.TempDir()
	s := NewSupervisor(&LocalLauncher{}, nil)
	s.PIDs = NewPIDTracker(dir)

	p, err := s.Spawn(context.Background(), "source", []string{sh}, Spec{Args: []string{"-s"}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Kill() //nolint:errcheck

	entries, err := s.PIDs.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Role != "source" || entries[0].PID != p.Pid() {
		t.Fatalf("entries = %+v", entries)
	}

	s.Release("source")
	entries, _ = s.PIDs.Entries()
	if len(entries) != 0 {
		t.Errorf("entries after Release = %+v", entries)
	}
}

func TestPIDTracker_ReapOrphans(t *testing.T) {
	sh := requireSh(t)
	dir := t.TempDir()
	tr := NewPIDTracker(dir)

	p, err := (&LocalLauncher{WaitDelay: 200 * time.Millisecond}).Start(context.Background(), sh, Spec{
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Kill() //nolint:errcheck

	// Pretend a host that no longer exists owned this interpreter.
	if err := os.MkdirAll(filepath.Join(dir, "pids"), 0o755); err != nil {
		t.Fatal(err)
	}
	stamp, err := Stamp(p.Pid())
	if err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, "pids", "source@999999999.pid")
	if err := os.WriteFile(orphan, []byte(strconv.Itoa(p.Pid())+" "+stamp+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Our own entries are left alone.
	if err := tr.Track("target", 999999998); err != nil {
		t.Fatal(err)
	}
	// Corrupt entries are removed.
	if err := os.WriteFile(filepath.Join(dir, "pids", "bad.pid"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	killed, errs := tr.Reap()
	if len(errs) != 0 {
		t.Fatalf("Reap errors: %v", errs)
	}
	if killed != 1 {
		t.Errorf("killed = %d, want 1", killed)
	}
	waitDone(t, p)

	entries, _ := tr.Entries()
	if len(entries) != 1 || entries[0].Role != "target" {
		t.Errorf("entries after Reap = %+v", entries)
	}
}

func TestPIDTracker_ReapSparesReusedPIDs(t *testing.T) {
	sh := requireSh(t)
	tests := []struct {
		name    string
		content func(pid int) string
		wantErr bool
	}{
		{"stamp mismatch", func(pid int) string { return strconv.Itoa(pid) + " 1\n" }, false},
		{"no stamp", func(pid int) string { return strconv.Itoa(pid) + "\n" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tr := NewPIDTracker(dir)

			p, err := (&LocalLauncher{WaitDelay: 200 * time.Millisecond}).Start(context.Background(), sh, Spec{
				Args: []string{"-c", "sleep 30"},
			})
			if err != nil {
				t.Fatal(err)
			}
			defer p.Kill() //nolint:errcheck

			if err := os.MkdirAll(filepath.Join(dir, "pids"), 0o755); err != nil {
				t.Fatal(err)
			}
			entry := filepath.Join(dir, "pids", "source@999999999.pid")
			if err := os.WriteFile(entry, []byte(tt.content(p.Pid())), 0o644); err != nil {
				t.Fatal(err)
			}

			killed, errs := tr.Reap()
			if killed != 0 {
				t.Errorf("killed = %d, want 0", killed)
			}
			if (len(errs) != 0) != tt.wantErr {
				t.Errorf("errs = %v", errs)
			}
			select {
			case <-p.Done():
				t.Fatal("unverified process was killed")
			case <-time.After(200 * time.Millisecond):
			}
			if _, err := os.Stat(entry); !os.IsNotExist(err) {
				t.Errorf("entry should be removed, stat err = %v", err)
			}
		})
	}
}

func TestPIDTracker_TrackRecordsStamp(t *testing.T) {
	tr := NewPIDTracker(t.TempDir())
	if err := tr.Track("source", os.Getpid()); err != nil {
		t.Fatal(err)
	}
	want, err := Stamp(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	entries, err := tr.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].PID != os.Getpid() || entries[0].Stamp != want {
		t.Errorf("entries = %+v, want stamp %q", entries, want)
	}
}
