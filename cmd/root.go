// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"psmux/config"
	"psmux/internal/core"
	"psmux/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X psmux/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives --version, --dry-run and usage output.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the selected psmux mode.
//
// Settings are layered: built-in defaults, then the --config file,
// then PSMUX_* environment variables, then flags.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("psmux", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── roles ────────────────────────────────────────────────────
	var roleSpecs []string
	fs.StringArrayVarP(&roleSpecs, "role", "r", nil, "Endpoint for a role: role=principal@address[:port] (repeatable)")
	fs.BoolVarP(&cfg.PasswordPrompt, "password-prompt", "P", cfg.PasswordPrompt, "Prompt for endpoint secrets not set in the environment")
	fs.BoolVar(&cfg.Bypass, "bypass-bootstrap", cfg.Bypass, "Skip module import and sign-in")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Script, "exec", "e", cfg.Script, "Run this script in every role")
	fs.StringVarP(&cfg.ScriptFile, "file", "f", cfg.ScriptFile, `Run the script in this file ("-" for stdin)`)
	fs.BoolVar(&cfg.REPL, "repl", cfg.REPL, "Read scripts interactively")
	fs.BoolVar(&cfg.Reap, "reap", cfg.Reap, "Kill interpreters left over by a crashed run and exit")

	// ── interpreter ──────────────────────────────────────────────
	fs.StringSliceVar(&cfg.Interpreters, "interpreter", cfg.Interpreters, "Interpreter candidates, tried in order (repeatable)")
	fs.StringVar(&cfg.Dialect, "dialect", cfg.Dialect, "Interpreter dialect: powershell or posix")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for PID tracking")
	fs.DurationVarP(&cfg.CommandTimeout, "timeout", "t", cfg.CommandTimeout, "Per-command timeout")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "Sign-in timeout")
	fs.DurationVar(&cfg.BootstrapTimeout, "bootstrap-timeout", cfg.BootstrapTimeout, "Module import timeout")

	// ── reachability and retry ───────────────────────────────────
	fs.BoolVar(&cfg.Probe, "probe", cfg.Probe, "Check the endpoint is reachable before spawning")
	fs.IntVar(&cfg.ProbePort, "probe-port", cfg.ProbePort, "Port used by --probe")
	fs.BoolVar(&cfg.Retry, "retry", cfg.Retry, "Retry transient connect failures with backoff")
	fs.IntVar(&cfg.RetryAttempts, "retry-attempts", cfg.RetryAttempts, "Connect attempts per role with --retry")

	// ── SSH host ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.SSHSpec, "ssh", "S", cfg.SSHSpec, "Run interpreters on [user@]host[:port] over SSH")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── reporting ────────────────────────────────────────────────
	fs.BoolVar(&cfg.Health, "health", cfg.Health, "Print a health report before exiting")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "Print a metrics snapshot (JSON) before exiting")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Print the resolved configuration and exit")

	// ── output ───────────────────────────────────────────────────
	var verbose int
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "Only print errors")

	var configFile string
	fs.StringVarP(&configFile, "config", "c", "", "TOML configuration file")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "psmux %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	if fs.Changed("verbose") {
		cfg.Verbose = verbose
	}
	if fs.Changed("role") {
		cfg.Roles = cfg.Roles[:0]
		for _, spec := range roleSpecs {
			rs, err := config.ParseRoleSpec(spec)
			if err != nil {
				return fmt.Errorf("role: %w", err)
			}
			cfg.Roles = append(cfg.Roles, rs)
		}
	}

	// ── SSH spec ─────────────────────────────────────────────────
	if err := cfg.ApplySSHSpec(); err != nil {
		return fmt.Errorf("ssh: %w", err)
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DryRun {
		printConfig(stdout, cfg)
		return nil
	}

	// ── build and run ────────────────────────────────────────────
	level := 1 + cfg.Verbose
	if cfg.Quiet {
		level = 0
	}
	logger := util.NewLogger(level)

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// configPath finds --config/-c ahead of the real parse, since the file
// supplies the defaults the flags are registered with.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		for _, name := range []string{"--config", "-c"} {
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v
			}
		}
	}
	return ""
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "interpreters:  %s\n", strings.Join(cfg.Interpreters, ", "))
	fmt.Fprintf(w, "dialect:       %s\n", cfg.Dialect)
	fmt.Fprintf(w, "state dir:     %s\n", cfg.StateDir)
	for _, rs := range cfg.Roles {
		fmt.Fprintf(w, "role:          %s\n", rs)
	}
	fmt.Fprintf(w, "timeouts:      command %s, auth %s, bootstrap %s\n",
		cfg.CommandTimeout, cfg.AuthTimeout, cfg.BootstrapTimeout)
	if cfg.Probe {
		fmt.Fprintf(w, "probe:         port %d, timeout %s\n", cfg.ProbePort, cfg.ProbeTimeout)
	}
	if cfg.Retry {
		fmt.Fprintf(w, "retry:         %d attempts, %s..%s\n", cfg.RetryAttempts, cfg.RetryInitial, cfg.RetryMax)
	}
	if cfg.SSHEnabled {
		fmt.Fprintf(w, "ssh:           %s@%s:%d\n", cfg.SSHUser, cfg.SSHHost, cfg.SSHPort)
	}
	if cfg.Bypass {
		fmt.Fprintln(w, "bootstrap:     bypassed")
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stdout, `psmux – PowerShell session multiplexer v%s

Keeps one long-lived interpreter per role signed in to its endpoint and
runs scripts in it.

Usage:
  psmux -r role=user@host [-r ...] -e <script>      Run a script in every role
  psmux -r role=user@host -f <file>                 Run a script file
  psmux -r role=user@host [-r ...] --repl           Interactive
  psmux --reap                                      Clean up after a crash

Options:
`, version)
	fs.SetOutput(stdout)
	fs.PrintDefaults()
	fmt.Fprintf(stdout, `
Environment:
  PSMUX_SECRET_<ADDRESS>, PSMUX_SECRET              endpoint secrets
  PSMUX_*                                           any setting (see --config)

Examples:
  psmux -r source=admin@vc1.lab -e 'Get-VM | Select Name'
  psmux -r source=admin@vc1.lab -r target=admin@vc2.lab --repl
  psmux -S ops@jump.lab -r source=admin@vc1.lab --probe -f sync.ps1
  psmux --reap -v
`)
}
