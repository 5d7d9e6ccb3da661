package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	pserr "psmux/internal/errors"
	"psmux/util"
)

// Supervisor starts interpreters from an ordered candidate list.
type Supervisor struct {
	Launcher Launcher
	Logger   *util.Logger
	// PIDs, when set, records every started local process so a later
	// run can reap it if this host dies without tearing down.
	PIDs *PIDTracker
}

// NewSupervisor returns a Supervisor using l.
func NewSupervisor(l Launcher, logger *util.Logger) *Supervisor {
	return &Supervisor{Launcher: l, Logger: logger}
}

// Spawn tries each candidate in order and returns the first process
// that starts.  Qualified paths are checked for existence before a
// start is attempted.  Every failure, whether "not found" or anything
// else, moves on to the next candidate; only when all are exhausted is
// a *errors.SpawnError (matching ErrNoExecutableFound) returned,
// carrying the last underlying failure.
func (s *Supervisor) Spawn(ctx context.Context, role string, candidates []string, spec Spec) (Process, error) {
	var (
		attempts []pserr.Attempt
		last     error
	)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			last = err
			break
		}

		began := time.Now()
		if IsQualified(c) {
			if err := s.Launcher.Stat(ctx, c); err != nil {
				last = err
				attempts = append(attempts, pserr.Attempt{Name: c, Err: err, Duration: time.Since(began)})
				s.Logger.Debug("%s: candidate %s not present: %v", role, c, err)
				continue
			}
		}

		p, err := s.Launcher.Start(ctx, c, spec)
		if err != nil {
			last = err
			attempts = append(attempts, pserr.Attempt{Name: c, Err: err, Duration: time.Since(began)})
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
				s.Logger.Debug("%s: candidate %s not found", role, c)
			} else {
				s.Logger.Warn("%s: candidate %s failed to start: %v", role, c, err)
			}
			continue
		}

		s.Logger.Verbose("%s: started %s (pid %d)", role, c, p.Pid())
		if s.PIDs != nil && p.Pid() > 0 {
			if err := s.PIDs.Track(role, p.Pid()); err != nil {
				s.Logger.Debug("%s: pid tracking: %v", role, err)
			}
		}
		return p, nil
	}

	if last == nil {
		last = fmt.Errorf("candidate list is empty")
	}
	return nil, &pserr.SpawnError{Attempts: attempts, Err: last}
}

// Release forgets the tracked PID for role.
func (s *Supervisor) Release(role string) {
	if s.PIDs != nil {
		s.PIDs.Untrack(role)
	}
}
