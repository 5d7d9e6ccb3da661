package manager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"psmux/internal/session"
	"psmux/util"
)

// ── Credentials ──────────────────────────────────────────────────────

// CredentialProvider supplies the secret for an endpoint.  The manager
// never stores secrets; it asks for one on every Connect that was not
// handed a secret directly.
type CredentialProvider interface {
	GetSecret(ctx context.Context, ep session.Endpoint) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, ep session.Endpoint) (string, error)

// GetSecret implements CredentialProvider.
func (f CredentialFunc) GetSecret(ctx context.Context, ep session.Endpoint) (string, error) {
	return f(ctx, ep)
}

// StaticCredentials maps "principal@address" (or just "address") to a
// secret.
type StaticCredentials map[string]string

// GetSecret implements CredentialProvider.
func (c StaticCredentials) GetSecret(_ context.Context, ep session.Endpoint) (string, error) {
	if s, ok := c[ep.Principal+"@"+ep.Address]; ok {
		return s, nil
	}
	if s, ok := c[ep.Address]; ok {
		return s, nil
	}
	return "", fmt.Errorf("no secret configured for %s", ep)
}

// EnvCredentials reads PSMUX_SECRET_<ADDRESS> (address upper-cased,
// non-alphanumerics as underscores), falling back to PSMUX_SECRET.
type EnvCredentials struct{}

// EnvKey returns the address-specific variable name for ep.
func (EnvCredentials) EnvKey(ep session.Endpoint) string {
	var b strings.Builder
	b.WriteString("PSMUX_SECRET_")
	for _, r := range strings.ToUpper(ep.Address) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// GetSecret implements CredentialProvider.
func (e EnvCredentials) GetSecret(_ context.Context, ep session.Endpoint) (string, error) {
	if s := os.Getenv(e.EnvKey(ep)); s != "" {
		return s, nil
	}
	if s := os.Getenv("PSMUX_SECRET"); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("no secret for %s: set %s or PSMUX_SECRET", ep, e.EnvKey(ep))
}

// PromptCredentials asks on the terminal, once per endpoint.
type PromptCredentials struct {
	mu    sync.Mutex
	cache map[string]string
}

// GetSecret implements CredentialProvider.
func (p *PromptCredentials) GetSecret(_ context.Context, ep session.Endpoint) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ep.Principal + "@" + ep.Address
	if s, ok := p.cache[key]; ok {
		return s, nil
	}
	s, err := util.ReadSecret(fmt.Sprintf("Password for %s: ", key))
	if err != nil {
		return "", err
	}
	if p.cache == nil {
		p.cache = make(map[string]string)
	}
	p.cache[key] = s
	return s, nil
}

// ChainCredentials tries each provider in order.
type ChainCredentials []CredentialProvider

// GetSecret implements CredentialProvider.
func (c ChainCredentials) GetSecret(ctx context.Context, ep session.Endpoint) (string, error) {
	var errs []string
	for _, p := range c {
		s, err := p.GetSecret(ctx, ep)
		if err == nil && s != "" {
			return s, nil
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("no secret for %s", ep)
	}
	return "", fmt.Errorf("%s", strings.Join(errs, "; "))
}

// ── Logging ──────────────────────────────────────────────────────────

// Level of a LogEntry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelDebug Level = "debug"
)

// LogEntry is one structured lifecycle or diagnostic record.  Script
// text in Message is always redacted.
type LogEntry struct {
	Time      time.Time
	SessionID string
	Role      string
	Level     Level
	Message   string
}

// LogSink receives session lifecycle entries.
type LogSink interface {
	StartSession(label string) string
	Write(e LogEntry)
	EndSession(id string, success bool, summary string)
}

// loggerSink writes entries to a util.Logger.
type loggerSink struct {
	log *util.Logger
}

// NewLoggerSink adapts logger to LogSink.
func NewLoggerSink(logger *util.Logger) LogSink {
	return &loggerSink{log: logger}
}

func (s *loggerSink) StartSession(label string) string {
	id := uuid.NewString()
	s.log.Verbose("[%s] start %s", short(id), label)
	return id
}

func (s *loggerSink) Write(e LogEntry) {
	switch e.Level {
	case LevelError:
		s.log.Error("[%s] %s: %s", short(e.SessionID), e.Role, e.Message)
	case LevelWarn:
		s.log.Warn("[%s] %s: %s", short(e.SessionID), e.Role, e.Message)
	case LevelDebug:
		s.log.Debug("[%s] %s: %s", short(e.SessionID), e.Role, e.Message)
	default:
		s.log.Verbose("[%s] %s: %s", short(e.SessionID), e.Role, e.Message)
	}
}

func (s *loggerSink) EndSession(id string, success bool, summary string) {
	if success {
		s.log.Verbose("[%s] end: %s", short(id), summary)
	} else {
		s.log.Warn("[%s] end (failed): %s", short(id), summary)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Manager) logf(s *session.Session, lvl Level, format string, args ...interface{}) {
	m.sink.Write(LogEntry{
		Time:      time.Now(),
		SessionID: s.LogSession(),
		Role:      s.Role,
		Level:     lvl,
		Message:   m.red.Script(fmt.Sprintf(format, args...)),
	})
}
