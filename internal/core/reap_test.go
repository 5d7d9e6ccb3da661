package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"psmux/internal/process"
)

func TestReapMode_KillsOrphans(t *testing.T) {
	sh := requireSh(t)
	dir := t.TempDir()

	p, err := (&process.LocalLauncher{WaitDelay: 200 * time.Millisecond}).Start(context.Background(), sh, process.Spec{
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Kill() //nolint:errcheck

	if err := os.MkdirAll(filepath.Join(dir, "pids"), 0o755); err != nil {
		t.Fatal(err)
	}
	stamp, err := process.Stamp(p.Pid())
	if err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, "pids", "source@999999999.pid")
	if err := os.WriteFile(orphan, []byte(strconv.Itoa(p.Pid())+" "+stamp+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	m := &ReapMode{PIDs: process.NewPIDTracker(dir), Stdout: &out}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "reaped 1 orphaned interpreter(s)\n" {
		t.Errorf("output = %q", out.String())
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("orphan still running")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan PID file should be removed, stat err = %v", err)
	}
}

func TestReapMode_Empty(t *testing.T) {
	var out bytes.Buffer
	m := &ReapMode{PIDs: process.NewPIDTracker(t.TempDir()), Stdout: &out}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "reaped 0 orphaned interpreter(s)\n" {
		t.Errorf("output = %q", out.String())
	}
}
