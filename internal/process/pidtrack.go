package process

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// PIDTracker records interpreter PIDs on disk so interpreters left
// behind by a host that crashed can be found and killed later.
//
// Each entry is named "<role>@<hostPID>.pid" and holds the interpreter
// PID followed by its start stamp (see Stamp).  Reap only touches
// entries whose owning host process is gone, so several psmux hosts
// can share one state directory, and kills an interpreter only while
// its stamp still matches, so a reused PID is left alone.  The
// directory is guarded by a cross-process file lock.
type PIDTracker struct {
	dir     string
	lock    *flock.Flock
	hostPID int
}

// NewPIDTracker tracks PIDs under <stateDir>/pids.
func NewPIDTracker(stateDir string) *PIDTracker {
	return &PIDTracker{
		dir:     filepath.Join(stateDir, "pids"),
		lock:    flock.New(filepath.Join(stateDir, "pids.lock")),
		hostPID: os.Getpid(),
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (t *PIDTracker) path(role string, host int) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s@%d.pid", unsafeName.ReplaceAllString(role, "_"), host))
}

func (t *PIDTracker) withLock(fn func() error) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("creating pids directory: %w", err)
	}
	if err := t.lock.Lock(); err != nil {
		return fmt.Errorf("locking pids directory: %w", err)
	}
	defer t.lock.Unlock() //nolint:errcheck
	return fn()
}

// Stamp returns an identity for the running process pid: its start
// time, which changes when the PID is reused.
func Stamp(pid int) (string, error) { return processStamp(pid) }

// Track records pid for role, owned by this host process.  A pid whose
// stamp cannot be read is still recorded, but Reap will not kill it.
func (t *PIDTracker) Track(role string, pid int) error {
	line := strconv.Itoa(pid)
	if stamp, err := processStamp(pid); err == nil {
		line += " " + stamp
	}
	return t.withLock(func() error {
		return os.WriteFile(t.path(role, t.hostPID), []byte(line+"\n"), 0o644)
	})
}

// Untrack removes this host's entry for role.
func (t *PIDTracker) Untrack(role string) {
	_ = t.withLock(func() error {
		return os.Remove(t.path(role, t.hostPID))
	})
}

// Entry is one tracked interpreter.
type Entry struct {
	Role    string
	HostPID int
	PID     int
	Stamp   string // empty when unknown
	Path    string
}

// Entries lists every tracked interpreter, across all hosts.
func (t *PIDTracker) Entries() ([]Entry, error) {
	var out []Entry
	err := t.withLock(func() error {
		var err error
		out, err = t.scan()
		return err
	})
	return out, err
}

func (t *PIDTracker) scan() ([]Entry, error) {
	dirEntries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		p := filepath.Join(t.dir, name)
		stem := strings.TrimSuffix(name, ".pid")
		at := strings.LastIndexByte(stem, '@')
		if at < 0 {
			_ = os.Remove(p)
			continue
		}
		host, err := strconv.Atoi(stem[at+1:])
		if err != nil {
			_ = os.Remove(p)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		fields := strings.Fields(string(data))
		var pid int
		if len(fields) > 0 {
			pid, err = strconv.Atoi(fields[0])
		}
		if len(fields) == 0 || err != nil {
			// Corrupt PID file.
			_ = os.Remove(p)
			continue
		}
		out = append(out, Entry{Role: stem[:at], HostPID: host, PID: pid, Stamp: strings.Join(fields[1:], " "), Path: p})
	}
	return out, nil
}

// Reap kills tracked interpreters whose owning host is no longer
// running and removes their entries.  Entries for already-dead
// interpreters, and for PIDs now held by another process, are cleaned
// up silently.  An entry without a stamp is removed but its process is
// left running and reported.
func (t *PIDTracker) Reap() (killed int, errs []string) {
	err := t.withLock(func() error {
		entries, err := t.scan()
		if err != nil {
			return err
		}
		for _, e := range entries {
			// Our own sessions are torn down through the manager, and a
			// live host still owns its interpreters.
			if e.HostPID == t.hostPID || processAlive(e.HostPID) {
				continue
			}
			if processAlive(e.PID) {
				if e.Stamp == "" {
					errs = append(errs, fmt.Sprintf("%s (PID %d): identity unknown; left running", e.Role, e.PID))
					_ = os.Remove(e.Path)
					continue
				}
				if now, err := processStamp(e.PID); err != nil || now != e.Stamp {
					_ = os.Remove(e.Path)
					continue
				}
				if err := killTree(e.PID); err != nil {
					errs = append(errs, fmt.Sprintf("%s (PID %d): %v", e.Role, e.PID, err))
				} else {
					killed++
				}
			}
			_ = os.Remove(e.Path)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err.Error())
	}
	return killed, errs
}
