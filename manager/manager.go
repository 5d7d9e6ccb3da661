// Package manager is the session registry: it keeps one interpreter
// session per logical role and coordinates spawning, bootstrap,
// authentication, command execution and teardown.
//
// Every public method returns a Result instead of panicking or leaking
// an error type the caller must know about; Result.Err still carries
// the underlying error for errors.Is checks.
package manager

import (
	"fmt"
	"sync"
	"time"

	"psmux/internal/bootstrap"
	"psmux/internal/channel"
	"psmux/internal/dialect"
	"psmux/internal/metrics"
	"psmux/internal/process"
	"psmux/internal/redact"
	"psmux/internal/retry"
	"psmux/internal/session"
	"psmux/internal/state"
	"psmux/internal/transport"
	"psmux/util"
)

// Defaults applied by New to zero-valued Options fields.
const (
	DefaultCommandTimeout   = 5 * time.Minute
	DefaultAuthTimeout      = 2 * time.Minute
	DefaultBootstrapTimeout = 3 * time.Minute
	DefaultGracePeriod      = 5 * time.Second
	DefaultProbePort        = 443
)

// Options configures a Manager.
type Options struct {
	// Candidates is the ordered list of interpreter executables.
	Candidates []string
	Dialect    dialect.Dialect
	Launcher   process.Launcher // nil means local os/exec
	PIDs       *process.PIDTracker

	Credentials CredentialProvider
	LogSink     LogSink

	// Prober, when set, checks the endpoint before spawning.
	Prober    *transport.Prober
	ProbePort int

	Strategies  []bootstrap.Strategy // nil means the dialect's defaults
	Settings    []bootstrap.Setting
	ModuleCache *bootstrap.Cache

	CommandTimeout   time.Duration
	AuthTimeout      time.Duration
	BootstrapTimeout time.Duration
	PollInterval     time.Duration
	SettleDelay      time.Duration
	GracePeriod      time.Duration

	Thresholds state.Thresholds
	Backoff    *retry.Backoff
	Breaker    *retry.CircuitBreakerConfig

	Redactor *redact.Redactor
	Metrics  *metrics.Collector
	Logger   *util.Logger
}

// Result is the outcome of every public Manager operation.
type Result struct {
	OK        bool
	Message   string
	SessionID string
	Output    string
	Err       error
}

func (r Result) String() string {
	if r.OK {
		return r.Message
	}
	return "failed: " + r.Message
}

func failed(err error, format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...), Err: err}
}

// Manager is the session registry.  It is safe for concurrent use.
type Manager struct {
	opts     Options
	log      *util.Logger
	sup      *process.Supervisor
	ch       *channel.Channel
	boot     *bootstrap.Sequencer
	states   *state.Tracker
	breakers *retry.Breakers
	sink     LogSink
	creds    CredentialProvider
	red      *redact.Redactor
	met      *metrics.Collector

	mu        sync.RWMutex
	sessions  map[string]*session.Session
	roleLocks map[string]*sync.Mutex
}

// New builds a Manager.  Zero-valued options get defaults.
func New(opts Options) *Manager {
	if opts.Dialect == nil {
		opts.Dialect = dialect.PowerShell{}
	}
	if opts.Launcher == nil {
		opts.Launcher = &process.LocalLauncher{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ProbePort <= 0 {
		opts.ProbePort = DefaultProbePort
	}
	if opts.Strategies == nil {
		opts.Strategies, opts.Settings = bootstrap.Defaults(opts.Dialect.Name(), opts.CommandTimeout)
	}
	if opts.ModuleCache == nil {
		opts.ModuleCache = bootstrap.NewCache()
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.New()
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultBackoff()
	}
	if opts.Credentials == nil {
		opts.Credentials = EnvCredentials{}
	}

	log := opts.Logger.Named("manager")
	m := &Manager{
		opts:      opts,
		log:       log,
		states:    state.NewTracker(opts.Thresholds),
		breakers:  retry.NewBreakers(opts.Breaker),
		creds:     opts.Credentials,
		red:       opts.Redactor,
		met:       opts.Metrics,
		sessions:  make(map[string]*session.Session),
		roleLocks: make(map[string]*sync.Mutex),
	}
	m.sink = opts.LogSink
	if m.sink == nil {
		m.sink = NewLoggerSink(opts.Logger.Named("session"))
	}

	m.sup = process.NewSupervisor(opts.Launcher, opts.Logger.Named("process"))
	m.sup.PIDs = opts.PIDs
	m.ch = channel.New(channel.Options{
		PollInterval: opts.PollInterval,
		SettleDelay:  opts.SettleDelay,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		Redactor:     opts.Redactor,
		Failer:       m.states,
	})
	m.boot = &bootstrap.Sequencer{
		Strategies: opts.Strategies,
		Settings:   opts.Settings,
		Cache:      opts.ModuleCache,
		Logger:     opts.Logger.Named("bootstrap"),
	}
	m.states.SetExitProbe(m.processExited)
	return m
}

// Dialect returns the interpreter dialect in use.
func (m *Manager) Dialect() dialect.Dialect { return m.opts.Dialect }

// Metrics returns the collector (possibly nil).
func (m *Manager) Metrics() *metrics.Collector { return m.met }

// ModuleCache returns the shared bootstrap cache.
func (m *Manager) ModuleCache() *bootstrap.Cache { return m.opts.ModuleCache }

// lockRole serialises Connect and Disconnect for one role.
func (m *Manager) lockRole(role string) func() {
	m.mu.Lock()
	l, ok := m.roleLocks[role]
	if !ok {
		l = &sync.Mutex{}
		m.roleLocks[role] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) get(role string) *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[role]
}

func (m *Manager) put(s *session.Session) {
	m.mu.Lock()
	m.sessions[s.Role] = s
	m.mu.Unlock()
}

// take removes and returns role's session if it is still s (or any
// session when s is nil).
func (m *Manager) take(role string, s *session.Session) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.sessions[role]
	if cur == nil || (s != nil && cur != s) {
		return nil
	}
	delete(m.sessions, role)
	return cur
}

// processExited is the state tracker's exit probe.
func (m *Manager) processExited(role string) bool {
	s := m.get(role)
	return s != nil && s.Exited()
}

// Roles returns the roles with a registered session.
func (m *Manager) Roles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for r := range m.sessions {
		out = append(out, r)
	}
	return out
}

// SessionInfo combines a role's tracked state with its live session.
type SessionInfo struct {
	state.Info
	Module      string
	Interpreter string
	PID         int
	Exited      bool
}

// Sessions describes every tracked role, sorted by role.
func (m *Manager) Sessions() []SessionInfo {
	infos := m.states.All()
	out := make([]SessionInfo, 0, len(infos))
	for _, in := range infos {
		si := SessionInfo{Info: in}
		if s := m.get(in.Role); s != nil {
			si.Module = s.Module()
			si.Exited = s.Exited()
			if s.Process != nil {
				si.Interpreter = s.Process.Name()
				si.PID = s.Process.Pid()
			}
		}
		out = append(out, si)
	}
	return out
}
