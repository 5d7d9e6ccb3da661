package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the PSMUX_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s", "2m") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PSMUX_INTERPRETERS"); v != "" {
		cfg.Interpreters = splitList(v)
	}
	if v := os.Getenv("PSMUX_DIALECT"); v != "" {
		cfg.Dialect = v
	}
	if v := os.Getenv("PSMUX_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("PSMUX_ROLES"); v != "" {
		for _, spec := range splitList(v) {
			if r, err := ParseRoleSpec(spec); err == nil {
				cfg.Roles = append(cfg.Roles, r)
			}
		}
	}
	if envBool("PSMUX_BYPASS_BOOTSTRAP") {
		cfg.Bypass = true
	}

	// Timeouts
	if v := envDuration("PSMUX_TIMEOUT"); v > 0 {
		cfg.CommandTimeout = v
	}
	if v := envDuration("PSMUX_AUTH_TIMEOUT"); v > 0 {
		cfg.AuthTimeout = v
	}
	if v := envDuration("PSMUX_BOOTSTRAP_TIMEOUT"); v > 0 {
		cfg.BootstrapTimeout = v
	}
	if v := envDuration("PSMUX_GRACE_PERIOD"); v > 0 {
		cfg.GracePeriod = v
	}

	// Probe and health
	if envBool("PSMUX_PROBE") {
		cfg.Probe = true
	}
	if v := envInt("PSMUX_PROBE_PORT"); v > 0 {
		cfg.ProbePort = v
	}
	if v := envDuration("PSMUX_STALE_AFTER"); v > 0 {
		cfg.StaleAfter = v
	}
	if v := envInt("PSMUX_MAX_FAILURES"); v > 0 {
		cfg.MaxFailures = v
	}
	if v := envDuration("PSMUX_HEALTH_INTERVAL"); v > 0 {
		cfg.HealthInterval = v
	}
	if envBool("PSMUX_RETRY") {
		cfg.Retry = true
	}
	if v := envInt("PSMUX_RETRY_ATTEMPTS"); v > 0 {
		cfg.RetryAttempts = v
	}

	// SSH host
	if v := os.Getenv("PSMUX_SSH"); v != "" {
		cfg.SSHSpec = v
	}
	if v := os.Getenv("PSMUX_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("PSMUX_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("PSMUX_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("PSMUX_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("PSMUX_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("PSMUX_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	return parseDuration(os.Getenv(key))
}

// parseDuration accepts "90s"-style durations and bare seconds.  It
// returns 0 for anything it cannot read.
func parseDuration(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' }) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
