package transport

import (
	"context"
	"fmt"
	"time"

	"psmux/util"
)

// DefaultProbeTimeout bounds a single reachability check.
const DefaultProbeTimeout = 10 * time.Second

// Prober checks that an endpoint accepts TCP connections.
type Prober struct {
	Dialer  Dialer
	Timeout time.Duration
	Logger  *util.Logger
}

// NewProber returns a Prober over d.
func NewProber(d Dialer, timeout time.Duration, logger *util.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{Dialer: d, Timeout: timeout, Logger: logger.Named("probe")}
}

// Probe opens and immediately closes a TCP connection to addr.
func (p *Prober) Probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	began := time.Now()
	conn, err := p.Dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		p.Logger.Verbose("%s unreachable after %s: %v", addr, time.Since(began).Truncate(time.Millisecond), err)
		return fmt.Errorf("endpoint %s unreachable: %w", addr, err)
	}
	conn.Close()
	p.Logger.Debug("%s reachable in %s", addr, time.Since(began).Truncate(time.Millisecond))
	return nil
}
