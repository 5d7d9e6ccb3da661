package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"psmux/config"
	"psmux/internal/dialect"
	"psmux/internal/metrics"
	"psmux/internal/process"
	"psmux/internal/redact"
	"psmux/internal/retry"
	"psmux/internal/session"
	"psmux/internal/state"
	"psmux/internal/transport"
	"psmux/manager"
	"psmux/tunnel"
	"psmux/util"
)

// maxConcurrentConnects limits simultaneous interpreter spawns.
const maxConcurrentConnects = 8

// Runtime is a Manager together with the collaborators built for it.
type Runtime struct {
	Config  *config.Config
	Manager *manager.Manager
	Metrics *metrics.Collector
	PIDs    *process.PIDTracker
	SSH     tunnel.Tunnel // nil when interpreters run locally
	Logger  *util.Logger

	// Stdout defaults to os.Stdout when nil.
	Stdout io.Writer
}

func (r *Runtime) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

// NewRuntime builds the manager described by cfg.  Nothing is spawned
// or dialled until the first Connect.
func NewRuntime(cfg *config.Config, logger *util.Logger) (*Runtime, error) {
	r := &Runtime{
		Config:  cfg,
		Metrics: metrics.New(),
		Logger:  logger,
	}
	if cfg.SSHEnabled {
		r.SSH = tunnel.NewSSHClient(&tunnel.SSHConfig{
			User:          cfg.SSHUser,
			Host:          cfg.SSHHost,
			Port:          cfg.SSHPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.ConnTimeout,
			KeepAlive:     cfg.KeepAlive,
		}, logger)
	} else if cfg.StateDir != "" {
		r.PIDs = process.NewPIDTracker(cfg.StateDir)
	}

	opts, err := r.managerOptions()
	if err != nil {
		return nil, err
	}
	r.Manager = manager.New(opts)
	return r, nil
}

func (r *Runtime) managerOptions() (manager.Options, error) {
	cfg := r.Config
	d, err := dialect.ForName(cfg.Dialect)
	if err != nil {
		return manager.Options{}, err
	}

	log := r.Logger
	opts := manager.Options{
		Candidates:       cfg.Interpreters,
		Dialect:          d,
		PIDs:             r.PIDs,
		Credentials:      r.credentials(),
		CommandTimeout:   cfg.CommandTimeout,
		AuthTimeout:      cfg.AuthTimeout,
		BootstrapTimeout: cfg.BootstrapTimeout,
		PollInterval:     cfg.PollInterval,
		SettleDelay:      cfg.SettleDelay,
		GracePeriod:      cfg.GracePeriod,
		Thresholds: state.Thresholds{
			Inactivity:  cfg.Inactivity,
			Stale:       cfg.StaleAfter,
			MaxFailures: cfg.MaxFailures,
			MaxAge:      cfg.MaxAge,
		},
		Backoff: &retry.Backoff{
			InitialDelay: cfg.RetryInitial,
			MaxDelay:     cfg.RetryMax,
			Multiplier:   2.0,
			MaxAttempts:  cfg.RetryAttempts,
			Jitter:       true,
		},
		Breaker: &retry.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerFailures,
			ResetTimeout: cfg.BreakerReset,
			OnStateChange: func(from, to retry.State) {
				log.Verbose("circuit breaker %s → %s", from, to)
			},
		},
		Redactor: redact.New(),
		Metrics:  r.Metrics,
		Logger:   log,
	}
	if r.SSH != nil {
		opts.Launcher = tunnel.NewLauncher(r.SSH, log)
	}
	if cfg.Probe {
		var dialer transport.Dialer = &transport.TCPDialer{Timeout: cfg.ProbeTimeout}
		if r.SSH != nil {
			dialer = transport.NewSSHDialer(r.SSH, log)
		}
		opts.Prober = transport.NewProber(dialer, cfg.ProbeTimeout, log)
		opts.ProbePort = cfg.ProbePort
	}
	return opts, nil
}

// credentials resolves secrets from PSMUX_SECRET_<ADDRESS> and
// PSMUX_SECRET, then from the terminal when prompting is enabled.
func (r *Runtime) credentials() manager.CredentialProvider {
	chain := manager.ChainCredentials{manager.EnvCredentials{}}
	if r.Config.PasswordPrompt {
		chain = append(chain, &manager.PromptCredentials{})
	}
	return chain
}

// Endpoint converts a role spec.
func Endpoint(rs config.RoleSpec) session.Endpoint {
	return session.Endpoint{Address: rs.Address, Principal: rs.Principal, Port: rs.Port}
}

// Connect creates the session for one role, honouring the retry and
// bypass settings.
func (r *Runtime) Connect(ctx context.Context, rs config.RoleSpec) manager.Result {
	var opts []manager.ConnectOption
	if r.Config.Bypass {
		opts = append(opts, manager.WithBypass())
	}
	if r.Config.Retry {
		return r.Manager.ConnectWithRetry(ctx, rs.Role, Endpoint(rs), "", opts...)
	}
	return r.Manager.Connect(ctx, rs.Role, Endpoint(rs), "", opts...)
}

// ConnectAll connects every role concurrently and returns the results
// in the same order as roles.
func (r *Runtime) ConnectAll(ctx context.Context, roles []config.RoleSpec) []manager.Result {
	results := make([]manager.Result, len(roles))
	sem := make(chan struct{}, maxConcurrentConnects)
	var wg sync.WaitGroup

	for i, rs := range roles {
		wg.Add(1)
		go func(idx int, rs config.RoleSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = r.Connect(ctx, rs)
		}(i, rs)
	}

	wg.Wait()
	return results
}

// Report writes a health summary for every tracked role, followed by
// any issues HealthCheck finds.
func (r *Runtime) Report(w io.Writer) {
	infos := r.Manager.Sessions()
	if len(infos) == 0 {
		fmt.Fprintln(w, "no sessions")
	}
	for _, in := range infos {
		if sum, ok := r.Manager.HealthSummary(in.Role); ok {
			fmt.Fprintf(w, "%s  module=%s pid=%d\n", sum, orDash(in.Module), in.PID)
		}
	}
	for _, is := range r.Manager.HealthCheck() {
		fmt.Fprintf(w, "issue: %s\n", is)
	}
}

// Close tears every session down and releases the SSH host.
func (r *Runtime) Close(ctx context.Context) {
	r.Manager.DisconnectAll(ctx)
	if r.SSH != nil {
		if err := r.SSH.Close(); err != nil {
			r.Logger.Debug("ssh close: %v", err)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
