// Package core is the orchestration layer.  It turns a Config into a
// session manager with its collaborators (SSH host, probe, PID
// tracking, credentials) and composes that into complete operational
// modes.
//
// Architecture layers (bottom → top):
//
//	process/dialect  →  channel  →  bootstrap/state  →  manager  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between
// the CLI and the manager.
package core

import "context"

// Mode represents a complete operational mode of psmux (script,
// REPL, or reap).  Each mode owns its full lifecycle from session
// creation to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
