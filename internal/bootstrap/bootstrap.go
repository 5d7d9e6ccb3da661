// Package bootstrap loads the domain automation module into a freshly
// spawned interpreter and applies session-scoped configuration.
//
// Import strategies are an ordered list of (name, func) pairs run by a
// single loop.  Each is isolated: an error or a panic is recorded and
// the next strategy runs.  The first success wins, and settings are
// then applied best-effort.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pserr "psmux/internal/errors"
	"psmux/util"
)

// Output markers written by strategy and setting scripts.
const (
	OKPrefix         = "BOOTSTRAP_OK:"
	FailedPrefix     = "BOOTSTRAP_FAILED:"
	SettingOK        = "SETTING_OK"
	SettingFailedPfx = "SETTING_FAILED:"
)

// Runner executes one script in the session being bootstrapped.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, script string) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, script string) (string, error) { return f(ctx, script) }

// Strategy is one way of importing the module.  Fn returns the label of
// the module it loaded.
type Strategy struct {
	Name string
	Fn   func(ctx context.Context, r Runner) (string, error)
}

// Setting is one session-scoped configuration script.  It prints
// SETTING_OK, or SETTING_FAILED:<reason>.
type Setting struct {
	Name   string
	Script string
}

// Result describes a bootstrap run.
type Result struct {
	Success     bool
	ModuleLabel string
	Strategy    string
	Diagnostics []string
	Duration    time.Duration
}

// ── Cache ────────────────────────────────────────────────────────────

// Cache remembers which strategy last worked on this host so later
// sessions try it first.  One Cache is shared by every session of a
// manager; it has no package-level instance.
type Cache struct {
	mu       sync.RWMutex
	strategy string
	label    string
}

// NewCache returns an empty cache.
func NewCache() *Cache { return &Cache{} }

// Confirm records that strategy loaded label.
func (c *Cache) Confirm(strategy, label string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.strategy, c.label = strategy, label
	c.mu.Unlock()
}

// Confirmed returns the remembered strategy and module label.
func (c *Cache) Confirmed() (strategy, label string, ok bool) {
	if c == nil {
		return "", "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy, c.label, c.strategy != ""
}

// Reset forgets the remembered strategy.
func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.strategy, c.label = "", ""
	c.mu.Unlock()
}

// ── Sequencer ────────────────────────────────────────────────────────

// Sequencer runs strategies and settings against one session at a time.
type Sequencer struct {
	Strategies []Strategy
	Settings   []Setting
	Cache      *Cache
	Logger     *util.Logger
}

// ordered returns the strategies with the cached one, if any, first.
func (s *Sequencer) ordered() []Strategy {
	name, _, ok := s.Cache.Confirmed()
	if !ok {
		return s.Strategies
	}
	out := make([]Strategy, 0, len(s.Strategies))
	for _, st := range s.Strategies {
		if st.Name == name {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return s.Strategies
	}
	for _, st := range s.Strategies {
		if st.Name != name {
			out = append(out, st)
		}
	}
	return out
}

// Run imports the module through the first strategy that succeeds and
// then applies every setting.  It fails with a *errors.BootstrapError
// carrying each strategy's error when all strategies fail, or as soon
// as the interpreter itself becomes unusable.
func (s *Sequencer) Run(ctx context.Context, r Runner) (Result, error) {
	began := time.Now()
	cached, _, _ := s.Cache.Confirmed()

	var (
		res      Result
		attempts []pserr.Attempt
	)
	for _, st := range s.ordered() {
		t0 := time.Now()
		label, err := s.try(ctx, st, r)
		if err == nil {
			s.Logger.Info("module loaded via %s: %s", st.Name, label)
			res.Success = true
			res.ModuleLabel = label
			res.Strategy = st.Name
			s.Cache.Confirm(st.Name, label)
			break
		}

		attempts = append(attempts, pserr.Attempt{Name: st.Name, Err: err, Duration: time.Since(t0)})
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s: %v", st.Name, err))
		s.Logger.Verbose("strategy %s failed: %v", st.Name, err)
		if st.Name == cached {
			s.Cache.Reset()
		}
		if pserr.IsFatal(err) || ctx.Err() != nil {
			break
		}
	}

	if !res.Success {
		res.Duration = time.Since(began)
		return res, &pserr.BootstrapError{Attempts: attempts}
	}

	for _, set := range s.Settings {
		if err := s.apply(ctx, set, r); err != nil {
			s.Logger.Warn("setting %s not applied: %v", set.Name, err)
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("setting %s: %v", set.Name, err))
			if pserr.IsFatal(err) {
				break
			}
			continue
		}
		s.Logger.Debug("setting %s applied", set.Name)
	}
	res.Duration = time.Since(began)
	return res, nil
}

func (s *Sequencer) try(ctx context.Context, st Strategy, r Runner) (label string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if st.Fn == nil {
		return "", fmt.Errorf("strategy has no function")
	}
	label, err = st.Fn(ctx, r)
	if err == nil && strings.TrimSpace(label) == "" {
		err = fmt.Errorf("strategy reported success without a module label")
	}
	return label, err
}

func (s *Sequencer) apply(ctx context.Context, set Setting, r Runner) error {
	out, err := r.Run(ctx, set.Script)
	if err != nil {
		return err
	}
	if v, ok := findPrefix(out, SettingFailedPfx); ok {
		return fmt.Errorf("%s", v)
	}
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) == SettingOK {
			return nil
		}
	}
	return fmt.Errorf("no %s in output: %s", SettingOK, firstLine(out))
}

// ScriptStrategy builds a Strategy from a script that prints
// BOOTSTRAP_OK:<label> or BOOTSTRAP_FAILED:<reason>.
func ScriptStrategy(name, script string) Strategy {
	return Strategy{Name: name, Fn: func(ctx context.Context, r Runner) (string, error) {
		out, err := r.Run(ctx, script)
		if err != nil {
			return "", err
		}
		if v, ok := findPrefix(out, FailedPrefix); ok {
			return "", fmt.Errorf("%s", v)
		}
		if v, ok := findPrefix(out, OKPrefix); ok {
			return v, nil
		}
		return "", fmt.Errorf("no result marker in output: %s", firstLine(out))
	}}
}

func findPrefix(out, prefix string) (string, bool) {
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(l[len(prefix):]), true
		}
	}
	return "", false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(empty)"
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
