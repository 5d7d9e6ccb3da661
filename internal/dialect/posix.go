package dialect

import (
	"fmt"
	"strings"
)

// POSIX drives a plain sh reading from stdin.  It has no remote module,
// so authentication only checks that a secret was supplied and records
// the target as the active context in PSMUX_CONTEXT.
type POSIX struct{}

func (POSIX) Name() string { return "posix" }

func (POSIX) Args() []string { return []string{"-s"} }

// Prelude defines emit, which prints each argument on its own line.
func (POSIX) Prelude() string {
	return `emit() { printf '%s\n' "$@"; }`
}

// Wrap groups script with stderr merged into stdout so error lines are
// ordered before the marker.  Stdin is detached from the group so a
// script cannot swallow the commands that follow it.
func (p POSIX) Wrap(script, token string) string {
	return fmt.Sprintf("{\n%s\n} </dev/null 2>&1\nprintf '%%s%%s\\n' %s %s\n",
		script, p.Quote(markerHead), p.Quote(markerTail(token)))
}

// Quote closes and reopens the quoted string around each embedded
// single quote.
func (POSIX) Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (p POSIX) AuthScript(t Target, secret string) string {
	return fmt.Sprintf(`psmux_secret=%s
if [ -n "$psmux_secret" ]; then
    PSMUX_CONTEXT=%s
    echo RESULT_OK
    echo "SESSION_ID:$$-$PSMUX_CONTEXT"
    echo "VERSION:$(uname -r 2>/dev/null)"
    echo "BUILD:%d"
    echo "PRODUCT:posix"
else
    echo 'RESULT_FAILED:incorrect user name or password'
fi
unset psmux_secret`, p.Quote(secret), p.Quote(t.Principal+"@"+t.Address), t.Port)
}

func (p POSIX) ContextProbe(t Target) string {
	return fmt.Sprintf(`if [ "$PSMUX_CONTEXT" = %s ]; then echo CONTEXT_OK; else echo "CONTEXT_MISMATCH:$PSMUX_CONTEXT"; fi`,
		p.Quote(t.Principal+"@"+t.Address))
}

func (POSIX) SignOffProbe() string {
	return `if [ -n "$PSMUX_CONTEXT" ]; then echo SIGNOFF_NEEDED; else echo SIGNOFF_SKIP; fi`
}

func (POSIX) SignOff() string { return "unset PSMUX_CONTEXT" }

func (POSIX) Exit() string { return "exit\n" }
