// Package redact scrubs secret material out of script text before it
// reaches any log path.
package redact

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Mask replaces every redacted value.
const Mask = "'********'"

// DefaultSensitive lists parameter and variable names whose values are
// never logged.  Matching is case-insensitive and by substring, so
// "-Password", "$vcPassword" and "-ApiKey" are all covered.
var DefaultSensitive = []string{
	"password", "passwd", "secret", "token", "credential", "apikey", "api_key", "privatekey",
}

// Redactor scrubs sensitive script text.  The zero value is not
// usable; call New.
type Redactor struct {
	param  *regexp.Regexp // -Name value
	assign *regexp.Regexp // $name = value

	mu      sync.RWMutex
	secrets []string // literal values registered at runtime, longest first
}

// New builds a Redactor for the given sensitive names; with none it
// uses DefaultSensitive.
func New(names ...string) *Redactor {
	if len(names) == 0 {
		names = DefaultSensitive
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	alt := strings.Join(quoted, "|")
	value := `('(?:[^']|'')*'|"(?:[^"\\]|\\.)*"|[^\s;|)]+)`
	return &Redactor{
		param:  regexp.MustCompile(`(?i)(-[\w]*(?:` + alt + `)[\w]*[:\s]\s*)` + value),
		assign: regexp.MustCompile(`(?i)(\$[\w:]*(?:` + alt + `)[\w]*\s*=\s*)` + value),
	}
}

// AddSecret registers a literal value (for example a password handed
// to an authentication script) that must be masked wherever it appears.
// Empty and very short values are ignored so masking cannot shred
// ordinary text.
func (r *Redactor) AddSecret(s string) {
	if len(s) < 3 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.secrets {
		if have == s {
			return
		}
	}
	r.secrets = append(r.secrets, s)
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// ForgetSecret removes a value registered with AddSecret.
func (r *Redactor) ForgetSecret(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.secrets {
		if have == s {
			r.secrets = append(r.secrets[:i], r.secrets[i+1:]...)
			return
		}
	}
}

// Script returns text with every sensitive parameter value, sensitive
// variable assignment and registered literal secret masked.
func (r *Redactor) Script(text string) string {
	if r == nil {
		return text
	}
	r.mu.RLock()
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s, "********")
	}
	r.mu.RUnlock()

	text = r.param.ReplaceAllString(text, "${1}"+Mask)
	text = r.assign.ReplaceAllString(text, "${1}"+Mask)
	return text
}
