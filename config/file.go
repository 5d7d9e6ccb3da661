package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the on-disk TOML shape.  Durations are strings in Go
// syntax or bare seconds; unset keys leave the current value alone.
type fileConfig struct {
	Interpreters []string `toml:"interpreters"`
	Dialect      string   `toml:"dialect"`
	StateDir     string   `toml:"state_dir"`

	Timeouts struct {
		Command   string `toml:"command"`
		Auth      string `toml:"auth"`
		Bootstrap string `toml:"bootstrap"`
		Poll      string `toml:"poll"`
		Settle    string `toml:"settle"`
		Grace     string `toml:"grace"`
	} `toml:"timeouts"`

	Probe struct {
		Enabled *bool  `toml:"enabled"`
		Port    int    `toml:"port"`
		Timeout string `toml:"timeout"`
	} `toml:"probe"`

	Health struct {
		Inactivity  string `toml:"inactivity"`
		Stale       string `toml:"stale"`
		MaxFailures int    `toml:"max_failures"`
		MaxAge      string `toml:"max_age"`
		Interval    string `toml:"interval"`
	} `toml:"health"`

	Retry struct {
		Enabled         *bool  `toml:"enabled"`
		Attempts        int    `toml:"attempts"`
		Initial         string `toml:"initial"`
		Max             string `toml:"max"`
		BreakerFailures int    `toml:"breaker_failures"`
		BreakerReset    string `toml:"breaker_reset"`
	} `toml:"retry"`

	SSH struct {
		Host          string `toml:"host"` // user@host[:port]
		Key           string `toml:"key"`
		Agent         *bool  `toml:"agent"`
		StrictHostKey *bool  `toml:"strict_hostkey"`
		KnownHosts    string `toml:"known_hosts"`
		KeepAlive     string `toml:"keepalive"`
	} `toml:"ssh"`

	Roles map[string]string `toml:"roles"` // role = "principal@address[:port]"
}

// LoadFile overlays the TOML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("config %s: unknown key %q", path, undec[0].String())
	}
	return fc.apply(cfg)
}

func (fc *fileConfig) apply(cfg *Config) error {
	if len(fc.Interpreters) > 0 {
		cfg.Interpreters = fc.Interpreters
	}
	setString(&cfg.Dialect, fc.Dialect)
	setString(&cfg.StateDir, fc.StateDir)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeouts.command", fc.Timeouts.Command, &cfg.CommandTimeout},
		{"timeouts.auth", fc.Timeouts.Auth, &cfg.AuthTimeout},
		{"timeouts.bootstrap", fc.Timeouts.Bootstrap, &cfg.BootstrapTimeout},
		{"timeouts.poll", fc.Timeouts.Poll, &cfg.PollInterval},
		{"timeouts.settle", fc.Timeouts.Settle, &cfg.SettleDelay},
		{"timeouts.grace", fc.Timeouts.Grace, &cfg.GracePeriod},
		{"probe.timeout", fc.Probe.Timeout, &cfg.ProbeTimeout},
		{"health.inactivity", fc.Health.Inactivity, &cfg.Inactivity},
		{"health.stale", fc.Health.Stale, &cfg.StaleAfter},
		{"health.max_age", fc.Health.MaxAge, &cfg.MaxAge},
		{"health.interval", fc.Health.Interval, &cfg.HealthInterval},
		{"retry.initial", fc.Retry.Initial, &cfg.RetryInitial},
		{"retry.max", fc.Retry.Max, &cfg.RetryMax},
		{"retry.breaker_reset", fc.Retry.BreakerReset, &cfg.BreakerReset},
		{"ssh.keepalive", fc.SSH.KeepAlive, &cfg.KeepAlive},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v := parseDuration(d.raw)
		if v <= 0 && d.raw != "0" && d.raw != "0s" {
			return fmt.Errorf("config: %s: invalid duration %q", d.key, d.raw)
		}
		*d.dst = v
	}

	setBool(&cfg.Probe, fc.Probe.Enabled)
	setInt(&cfg.ProbePort, fc.Probe.Port)
	setInt(&cfg.MaxFailures, fc.Health.MaxFailures)
	setBool(&cfg.Retry, fc.Retry.Enabled)
	setInt(&cfg.RetryAttempts, fc.Retry.Attempts)
	setInt(&cfg.BreakerFailures, fc.Retry.BreakerFailures)

	setString(&cfg.SSHSpec, fc.SSH.Host)
	setString(&cfg.SSHKeyPath, fc.SSH.Key)
	setBool(&cfg.UseSSHAgent, fc.SSH.Agent)
	setBool(&cfg.StrictHostKey, fc.SSH.StrictHostKey)
	setString(&cfg.KnownHostsPath, fc.SSH.KnownHosts)

	names := make([]string, 0, len(fc.Roles))
	for name := range fc.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r, err := ParseRoleSpec(name + "=" + fc.Roles[name])
		if err != nil {
			return fmt.Errorf("config: roles.%s: %w", name, err)
		}
		cfg.Roles = append(cfg.Roles, r)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
