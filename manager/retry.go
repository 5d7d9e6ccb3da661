package manager

import (
	"context"
	"time"

	pserr "psmux/internal/errors"
	"psmux/internal/session"
	"psmux/internal/state"
)

// ConnectWithRetry is Connect under the configured backoff policy and
// role's circuit breaker.  Only failures pserr.IsRetryable accepts are
// retried; anything else, and an open circuit, returns at once.
func (m *Manager) ConnectWithRetry(ctx context.Context, role string, ep session.Endpoint, secret string, opts ...ConnectOption) Result {
	cb := m.breakers.For(role)
	b := *m.opts.Backoff
	b.RetryIf = pserr.IsRetryable
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.log.Warn("%s: connect attempt %d failed (%v); retrying in %s", role, attempt, err, wait.Truncate(time.Millisecond))
		m.states.CreateOrUpdate(role, ep, state.Reconnecting)
	}

	var (
		last Result
		ran  bool
	)
	err := b.Do(ctx, func(int) error {
		ran = false
		return cb.Execute(func() error {
			ran = true
			last = m.Connect(ctx, role, ep, secret, opts...)
			return last.Err
		})
	})
	if err == nil {
		return last
	}
	if !ran {
		m.log.Warn("%s: %v", role, err)
		return failed(err, "connect %s: %v", role, err)
	}
	last.Err = err
	return last
}
