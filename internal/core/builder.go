package core

import (
	"fmt"
	"io"
	"os"

	"psmux/config"
	"psmux/internal/process"
	"psmux/util"
)

// Build constructs the appropriate Mode from the given configuration.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.Reap {
		return buildReap(cfg, logger)
	}

	rt, err := NewRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.REPL {
		return &REPLMode{
			Runtime:  rt,
			Roles:    cfg.Roles,
			Logger:   logger,
			NoPrompt: !util.IsTerminal(os.Stdin),
		}, nil
	}
	return buildScript(cfg, rt, logger)
}

// ── mode builders ────────────────────────────────────────────────────

func buildScript(cfg *config.Config, rt *Runtime, logger *util.Logger) (Mode, error) {
	script := cfg.Script
	if cfg.ScriptFile != "" {
		data, err := readScript(cfg.ScriptFile)
		if err != nil {
			return nil, err
		}
		script = string(data)
	}

	return &ScriptMode{
		Runtime: rt,
		Roles:   cfg.Roles,
		Script:  script,
		Health:  cfg.Health,
		Metrics: cfg.Metrics,
		Logger:  logger,
	}, nil
}

func buildReap(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("reap: no state directory configured (use --state-dir)")
	}
	return &ReapMode{
		PIDs:   process.NewPIDTracker(cfg.StateDir),
		Logger: logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// readScript loads a script file; "-" reads standard input.
func readScript(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading script from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return data, nil
}
