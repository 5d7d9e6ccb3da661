// Package config defines the runtime configuration for psmux and
// provides helpers for parsing role and SSH specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	pserr "psmux/internal/errors"
)

// Config holds every tuneable for one psmux run.
type Config struct {
	// ── Interpreter ──────────────────────────────────────────────────
	Interpreters []string
	Dialect      string // "powershell" or "posix"
	StateDir     string // PID files live under <StateDir>/pids

	// ── Roles ────────────────────────────────────────────────────────
	Roles          []RoleSpec
	Bypass         bool // skip bootstrap and sign-in
	PasswordPrompt bool // ask for endpoint secrets on the terminal

	// ── Timeouts ─────────────────────────────────────────────────────
	CommandTimeout   time.Duration
	AuthTimeout      time.Duration
	BootstrapTimeout time.Duration
	PollInterval     time.Duration
	SettleDelay      time.Duration
	GracePeriod      time.Duration

	// ── Reachability probe ───────────────────────────────────────────
	Probe        bool
	ProbePort    int
	ProbeTimeout time.Duration

	// ── Health ───────────────────────────────────────────────────────
	Inactivity     time.Duration
	StaleAfter     time.Duration
	MaxFailures    int
	MaxAge         time.Duration
	HealthInterval time.Duration

	// ── Retry ────────────────────────────────────────────────────────
	Retry           bool
	RetryAttempts   int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	BreakerFailures int
	BreakerReset    time.Duration

	// ── SSH host ─────────────────────────────────────────────────────
	SSHSpec        string // raw user@host[:port] from --ssh
	SSHEnabled     bool
	SSHUser        string
	SSHHost        string
	SSHPort        int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string
	ConnTimeout    time.Duration
	KeepAlive      time.Duration

	// ── Execution ────────────────────────────────────────────────────
	Script     string // -e: inline script
	ScriptFile string // -f: script file ("-" for stdin)
	REPL       bool
	Health     bool // print a health report before exiting
	Metrics    bool // print a metrics snapshot before exiting
	Reap       bool // kill interpreters left over by a crashed run
	DryRun     bool // print the resolved configuration and exit

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	Quiet   bool
}

// ── Role specs ───────────────────────────────────────────────────────

// RoleSpec names an endpoint for one logical role.
type RoleSpec struct {
	Role      string
	Principal string
	Address   string
	Port      int
}

func (r RoleSpec) String() string {
	s := r.Role + "=" + r.Principal + "@" + r.Address
	if r.Port > 0 {
		s += ":" + strconv.Itoa(r.Port)
	}
	return s
}

var roleNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ParseRoleSpec parses "role=principal@address[:port]", for example
// "source=administrator@vsphere.local@vc1.example.com:443".  The last
// '@' separates the principal from the address, so principals may
// themselves contain one.
func ParseRoleSpec(spec string) (RoleSpec, error) {
	bad := fmt.Errorf("invalid role spec %q – expected role=principal@address[:port]", spec)

	role, rest, ok := strings.Cut(strings.TrimSpace(spec), "=")
	if !ok || !roleNameRe.MatchString(role) {
		return RoleSpec{}, bad
	}
	at := strings.LastIndexByte(rest, '@')
	if at <= 0 {
		return RoleSpec{}, bad
	}
	r := RoleSpec{Role: role, Principal: rest[:at], Address: rest[at+1:]}
	if i := strings.LastIndexByte(r.Address, ':'); i >= 0 {
		port, err := strconv.Atoi(r.Address[i+1:])
		if err != nil || port < 1 || port > 65535 {
			return RoleSpec{}, fmt.Errorf("invalid port %q in role spec", r.Address[i+1:])
		}
		r.Address, r.Port = r.Address[:i], port
	}
	if r.Address == "" || strings.ContainsAny(r.Address+r.Principal, " \t") {
		return RoleSpec{}, bad
	}
	return r, nil
}

// ── SSH-spec parser ──────────────────────────────────────────────────

// sshRe matches [user@]host[:port].
var sshRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseSSHSpec extracts user, host, and port from a string such as
// "admin@jump.example.com:2222".  Port defaults to 22.
func ParseSSHSpec(spec string) (user, host string, port int, err error) {
	m := sshRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid ssh spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid ssh port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("ssh host is required")
	}
	return user, host, port, nil
}

// ApplySSHSpec parses SSHSpec into the SSH fields.
func (c *Config) ApplySSHSpec() error {
	if c.SSHSpec == "" {
		return nil
	}
	user, host, port, err := ParseSSHSpec(c.SSHSpec)
	if err != nil {
		return err
	}
	c.SSHEnabled = true
	c.SSHUser = user
	c.SSHHost = host
	c.SSHPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Errors are *errors.ConfigError values.
func (c *Config) Validate() error {
	if len(c.Interpreters) == 0 && !c.Reap {
		return &pserr.ConfigError{
			Field:   "interpreter",
			Message: "no interpreter candidates configured",
			Hint:    "pass --interpreter pwsh or set interpreters in the config file",
		}
	}
	switch c.Dialect {
	case "powershell", "pwsh", "posix", "sh":
	default:
		return &pserr.ConfigError{
			Field:   "dialect",
			Value:   c.Dialect,
			Message: "unknown dialect",
			Hint:    "use powershell or posix",
		}
	}

	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"timeout", c.CommandTimeout},
		{"auth-timeout", c.AuthTimeout},
		{"bootstrap-timeout", c.BootstrapTimeout},
		{"poll-interval", c.PollInterval},
		{"grace-period", c.GracePeriod},
	} {
		if d.v <= 0 {
			return &pserr.ConfigError{Field: d.field, Value: d.v, Message: "must be positive"}
		}
	}
	if c.SettleDelay < 0 {
		return &pserr.ConfigError{Field: "settle-delay", Value: c.SettleDelay, Message: "must not be negative"}
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return &pserr.ConfigError{Field: "probe-port", Value: c.ProbePort, Message: "out of range 1-65535"}
	}
	if c.MaxFailures < 1 {
		return &pserr.ConfigError{Field: "max-failures", Value: c.MaxFailures, Message: "must be at least 1"}
	}
	if c.Retry && c.RetryAttempts < 1 {
		return &pserr.ConfigError{Field: "retry-attempts", Value: c.RetryAttempts, Message: "must be at least 1"}
	}

	seen := make(map[string]bool)
	for _, r := range c.Roles {
		if seen[r.Role] {
			return &pserr.ConfigError{
				Field:   "role",
				Value:   r.Role,
				Message: "role given more than once",
				Hint:    "each role maps to exactly one endpoint",
			}
		}
		seen[r.Role] = true
	}

	if c.Script != "" && c.ScriptFile != "" {
		return &pserr.ConfigError{Field: "exec", Message: "-e and -f are mutually exclusive"}
	}
	if (c.Script != "" || c.ScriptFile != "" || c.REPL) && len(c.Roles) == 0 {
		return &pserr.ConfigError{
			Field:   "role",
			Message: "running scripts requires at least one role",
			Hint:    "add --role source=admin@vc1.example.com",
		}
	}
	if c.REPL && (c.Script != "" || c.ScriptFile != "") {
		return &pserr.ConfigError{Field: "repl", Message: "--repl cannot be combined with -e or -f"}
	}

	if c.SSHEnabled && c.SSHHost == "" {
		return &pserr.ConfigError{Field: "ssh", Message: "ssh host is required"}
	}
	if c.StrictHostKey && !c.SSHEnabled {
		return &pserr.ConfigError{
			Field:   "strict-hostkey",
			Message: "only applies to --ssh",
			Hint:    "add --ssh user@host or drop --strict-hostkey",
		}
	}
	return nil
}
