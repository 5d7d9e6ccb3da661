// Package channel runs one script at a time through a session's
// interpreter and correlates the output with a per-call completion
// marker.
//
// Completion is detected by waking on every buffer append as well as
// on a fixed poll tick.  The tick bounds the latency when an append
// notification is coalesced away.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"psmux/internal/dialect"
	pserr "psmux/internal/errors"
	"psmux/internal/metrics"
	"psmux/internal/redact"
	"psmux/internal/session"
	"psmux/util"
)

// Defaults for Options.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultSettleDelay  = 200 * time.Millisecond
)

// Failer is told when a session becomes unusable.
type Failer interface {
	Fail(role, reason string)
}

// Options configures a Channel.
type Options struct {
	PollInterval time.Duration
	// SettleDelay follows every write before the first check, giving
	// the interpreter time to start on the script.
	SettleDelay time.Duration
	Logger      *util.Logger
	Metrics     *metrics.Collector
	Redactor    *redact.Redactor
	Failer      Failer
}

// Channel executes scripts against sessions.  One Channel serves every
// session; per-session serialisation uses the session's own lock.
type Channel struct {
	poll   time.Duration
	settle time.Duration
	log    *util.Logger
	met    *metrics.Collector
	red    *redact.Redactor
	failer Failer
}

// New returns a Channel.
func New(opts Options) *Channel {
	c := &Channel{
		poll:   opts.PollInterval,
		settle: opts.SettleDelay,
		log:    opts.Logger.Named("channel"),
		met:    opts.Metrics,
		red:    opts.Redactor,
		failer: opts.Failer,
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	if c.settle < 0 {
		c.settle = 0
	}
	return c
}

// Execute sends script to s and waits up to timeout for it to finish.
// It returns the script's output with the marker removed and
// surrounding whitespace trimmed.
//
// Errors: ErrProcessExited when the interpreter is gone (checked before
// any I/O), ErrPipeClosed when the write fails, ErrCommandTimeout when
// the marker does not arrive in time.  The first two mark the session
// Failed; a timeout does not, and the interpreter keeps running the
// script.  Whatever that script prints later, up to and including its
// marker, is skipped by the next command on the session.
func (c *Channel) Execute(ctx context.Context, s *session.Session, script string, timeout time.Duration) (string, error) {
	s.Lock()
	defer s.Unlock()
	return c.run(ctx, s, script, c.red.Script(script), timeout)
}

// ExecuteSensitive is Execute for scripts that carry a secret.  The
// script body is never logged, not even redacted.
func (c *Channel) ExecuteSensitive(ctx context.Context, s *session.Session, script string, timeout time.Duration) (string, error) {
	s.Lock()
	defer s.Unlock()
	return c.run(ctx, s, script, fmt.Sprintf("(sensitive script, %d bytes)", len(script)), timeout)
}

// TryExecute is Execute that returns ran=false without doing anything
// when another command holds the session.
func (c *Channel) TryExecute(ctx context.Context, s *session.Session, script string, timeout time.Duration) (out string, ran bool, err error) {
	if !s.TryLock() {
		return "", false, nil
	}
	defer s.Unlock()
	out, err = c.run(ctx, s, script, c.red.Script(script), timeout)
	return out, true, err
}

// ExecuteIn first confirms that t is the interpreter's active remote
// context and only then runs script.  A mismatch returns
// ErrContextMismatch and the payload is never sent.  Both steps hold
// the session's command slot, so no other command can switch the
// context in between.
func (c *Channel) ExecuteIn(ctx context.Context, s *session.Session, t dialect.Target, script string, timeout time.Duration) (string, error) {
	s.Lock()
	defer s.Unlock()

	check := s.Dialect.ContextProbe(t)
	out, err := c.run(ctx, s, check, c.red.Script(check), timeout)
	if err != nil {
		return "", err
	}
	if !hasLine(out, dialect.ContextOK) {
		active := "none"
		if v, ok := linePrefix(out, dialect.ContextMismatch); ok && v != "" {
			active = v
		}
		c.log.Warn("%s: active context is %s, want %s@%s", s.Role, active, t.Principal, t.Address)
		return "", pserr.WrapCommand(s.Role, "precheck",
			fmt.Errorf("%w: active context is %s", pserr.ErrContextMismatch, active))
	}
	return c.run(ctx, s, script, c.red.Script(script), timeout)
}

// run sends script and waits for its marker.  shown is what the debug
// log prints in place of the script.
func (c *Channel) run(ctx context.Context, s *session.Session, script, shown string, timeout time.Duration) (string, error) {
	if s.Exited() {
		c.fail(s, "interpreter exited")
		return "", pserr.WrapCommand(s.Role, "write", pserr.ErrProcessExited)
	}

	token := dialect.NewToken()
	marker := dialect.Marker(token)
	wrapped := s.Dialect.Wrap(script, token)

	// While an abandoned command is outstanding the buffer is kept, so
	// its marker cannot be cleared away before it is seen.
	if len(s.Abandoned()) == 0 {
		s.Buffer.Clear()
	}
	c.log.Debug("%s: >> %s", s.Role, shown)

	// base is the buffer offset just past the last abandoned marker.
	base := 0
	done := func() (string, bool) {
		buf := s.Buffer.Snapshot()
		base = c.skipAbandoned(s, buf, base)
		if len(s.Abandoned()) > 0 {
			return "", false
		}
		return extract(buf[base:], marker)
	}

	began := time.Now()
	if _, err := s.Process.Write([]byte(wrapped)); err != nil {
		reason := "input pipe closed: " + err.Error()
		if !brokenPipe(err) {
			reason = "write failed: " + err.Error()
		}
		c.fail(s, reason)
		return "", pserr.WrapCommand(s.Role, "write", fmt.Errorf("%w: %v", pserr.ErrPipeClosed, err))
	}
	c.met.CommandSent(len(wrapped))
	abandon := func() { s.Abandon(marker) }

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if c.settle > 0 {
		settle := time.NewTimer(c.settle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			abandon()
			return "", pserr.WrapCommand(s.Role, "wait", ctx.Err())
		}
	}

	tick := time.NewTicker(c.poll)
	defer tick.Stop()

	for {
		if out, ok := done(); ok {
			c.log.Verbose("%s: command completed in %s", s.Role, time.Since(began).Truncate(time.Millisecond))
			return out, nil
		}
		if s.Exited() {
			// Output is fully delivered before Done closes, so one
			// more look is conclusive.
			if out, ok := done(); ok {
				return out, nil
			}
			c.fail(s, "interpreter exited during command")
			return "", pserr.WrapCommand(s.Role, "wait", pserr.ErrProcessExited)
		}

		select {
		case <-ctx.Done():
			abandon()
			return "", pserr.WrapCommand(s.Role, "wait", ctx.Err())
		case <-deadline.C:
			if out, ok := done(); ok {
				return out, nil
			}
			abandon()
			c.met.CommandTimedOut()
			c.log.Warn("%s: command timed out after %s; interpreter left running", s.Role, timeout)
			return "", pserr.WrapCommand(s.Role, "wait",
				fmt.Errorf("%w after %s", pserr.ErrCommandTimeout, timeout))
		case <-s.Buffer.Appended():
		case <-s.Process.Done():
		case <-tick.C:
		}
	}
}

func (c *Channel) fail(s *session.Session, reason string) {
	c.log.Error("%s: %s", s.Role, reason)
	c.met.RecordError(s.Role + ": " + reason)
	if c.failer != nil {
		c.failer.Fail(s.Role, reason)
	}
}

// skipAbandoned walks buf from base past every abandoned marker that has
// arrived, in order, settles them and returns the new base.
func (c *Channel) skipAbandoned(s *session.Session, buf string, base int) int {
	pending := s.Abandoned()
	n := 0
	for n < len(pending) {
		_, end, ok := findLine(buf[base:], pending[n])
		if !ok {
			break
		}
		base += end
		n++
	}
	if n > 0 {
		s.Settle(n)
		c.log.Debug("%s: skipped output of %d abandoned command(s)", s.Role, n)
	}
	return base
}

// extract looks for marker as a whole line of buf and returns the text
// before it, trimmed.  A marker embedded in a longer line is ordinary
// output.
func extract(buf, marker string) (string, bool) {
	start, _, ok := findLine(buf, marker)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(buf[:start]), true
}

// findLine returns the bounds of the first occurrence of marker that
// forms a whole line of buf.
func findLine(buf, marker string) (start, end int, ok bool) {
	offset := 0
	for {
		i := strings.Index(buf[offset:], marker)
		if i < 0 {
			return 0, 0, false
		}
		start = offset + i
		end = start + len(marker)
		if atLineStart(buf, start) && atLineEnd(buf, end) {
			return start, end, true
		}
		offset = end
	}
}

func atLineStart(buf string, i int) bool {
	return i == 0 || buf[i-1] == '\n'
}

func atLineEnd(buf string, i int) bool {
	tail := strings.TrimLeft(buf[i:], " \t\r")
	return tail == "" || tail[0] == '\n'
}

func hasLine(out, want string) bool {
	for _, l := range strings.Split(out, "\n") {
		if strings.TrimSpace(l) == want {
			return true
		}
	}
	return false
}

func linePrefix(out, prefix string) (string, bool) {
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix)), true
		}
	}
	return "", false
}

func brokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		strings.Contains(strings.ToLower(err.Error()), "broken pipe")
}
