package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultDialect is the interpreter dialect.
	DefaultDialect = "powershell"

	// DefaultCommandTimeout bounds a single Execute.
	DefaultCommandTimeout = 5 * time.Minute

	// DefaultAuthTimeout bounds the sign-in script.
	DefaultAuthTimeout = 2 * time.Minute

	// DefaultBootstrapTimeout bounds the whole module bootstrap.
	DefaultBootstrapTimeout = 3 * time.Minute

	// DefaultPollInterval is the completion-check tick.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultSettleDelay follows every script write.
	DefaultSettleDelay = 200 * time.Millisecond

	// DefaultGracePeriod is how long Disconnect waits for the
	// interpreter to exit before killing it.
	DefaultGracePeriod = 5 * time.Second

	// DefaultInactivity is the idle time after which a session stops
	// counting as healthy.
	DefaultInactivity = 5 * time.Minute

	// DefaultStaleAfter is the idle time HealthCheck reports as stale.
	DefaultStaleAfter = 10 * time.Minute

	// DefaultMaxFailures flags a role as repeatedly failing.
	DefaultMaxFailures = 3

	// DefaultMaxAge flags a session as possibly leaked.
	DefaultMaxAge = 24 * time.Hour

	// DefaultHealthInterval is the health monitor period.
	DefaultHealthInterval = time.Minute

	// DefaultProbePort is dialled when an endpoint names no port.
	DefaultProbePort = 443

	// DefaultProbeTimeout bounds the reachability probe.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultRetryAttempts is the ConnectWithRetry budget.
	DefaultRetryAttempts = 4

	// DefaultRetryInitial is the first backoff delay.
	DefaultRetryInitial = 2 * time.Second

	// DefaultRetryMax caps the backoff.
	DefaultRetryMax = 60 * time.Second

	// DefaultBreakerReset is how long an open circuit stays open.
	DefaultBreakerReset = 30 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the SSH connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAliveInterval is the SSH keepalive interval.
	DefaultKeepAliveInterval = 30 * time.Second
)

// DefaultInterpreters returns the candidate executables for goos, most
// preferred first.
func DefaultInterpreters(goos string) []string {
	if goos == "windows" {
		return []string{
			"pwsh.exe",
			`C:\Program Files\PowerShell\7\pwsh.exe`,
			"powershell.exe",
			`C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
		}
	}
	return []string{
		"pwsh",
		"/usr/bin/pwsh",
		"/usr/local/bin/pwsh",
		"/opt/microsoft/powershell/7/pwsh",
		"/snap/bin/pwsh",
	}
}

// DefaultStateDir is where PID files are kept.
func DefaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "psmux")
	}
	return filepath.Join(os.TempDir(), "psmux")
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Interpreters:     DefaultInterpreters(runtime.GOOS),
		Dialect:          DefaultDialect,
		StateDir:         DefaultStateDir(),
		CommandTimeout:   DefaultCommandTimeout,
		AuthTimeout:      DefaultAuthTimeout,
		BootstrapTimeout: DefaultBootstrapTimeout,
		PollInterval:     DefaultPollInterval,
		SettleDelay:      DefaultSettleDelay,
		GracePeriod:      DefaultGracePeriod,
		Inactivity:       DefaultInactivity,
		StaleAfter:       DefaultStaleAfter,
		MaxFailures:      DefaultMaxFailures,
		MaxAge:           DefaultMaxAge,
		HealthInterval:   DefaultHealthInterval,
		ProbePort:        DefaultProbePort,
		ProbeTimeout:     DefaultProbeTimeout,
		RetryAttempts:    DefaultRetryAttempts,
		RetryInitial:     DefaultRetryInitial,
		RetryMax:         DefaultRetryMax,
		BreakerFailures:  DefaultMaxFailures,
		BreakerReset:     DefaultBreakerReset,
		SSHPort:          DefaultSSHPort,
		ConnTimeout:      DefaultConnTimeout,
		KeepAlive:        DefaultKeepAliveInterval,
	}
}
