package manager

import (
	"strings"

	"github.com/google/uuid"

	"psmux/internal/dialect"
	pserr "psmux/internal/errors"
	"psmux/internal/state"
)

// parseAuth reads the structured lines printed by an auth script.
// A RESULT_FAILED line, or no RESULT line at all, is an *AuthError
// whose category is derived from the remote text.  Empty output is
// CategoryUnknown.  A successful result without a SESSION_ID gets a
// synthesized token.
func parseAuth(endpoint, out string) (state.Auth, error) {
	var (
		a      state.Auth
		ok     bool
		reason string
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == dialect.ResultOK:
			ok = true
		case strings.HasPrefix(line, dialect.ResultFailed):
			reason = strings.TrimSpace(strings.TrimPrefix(line, dialect.ResultFailed))
			if reason == "" {
				reason = "authentication rejected"
			}
		case strings.HasPrefix(line, dialect.SessionIDPrefix):
			a.Token = value(line, dialect.SessionIDPrefix)
		case strings.HasPrefix(line, dialect.VersionPrefix):
			a.RemoteVersion = value(line, dialect.VersionPrefix)
		case strings.HasPrefix(line, dialect.BuildPrefix):
			a.RemoteBuild = value(line, dialect.BuildPrefix)
		case strings.HasPrefix(line, dialect.ProductPrefix):
			a.ProductLine = value(line, dialect.ProductPrefix)
		}
	}

	if reason != "" {
		return state.Auth{}, &pserr.AuthError{
			Endpoint:      endpoint,
			Category:      pserr.Classify(reason),
			RemoteMessage: reason,
		}
	}
	if !ok {
		msg, cat := lastLine(out), pserr.CategoryUnknown
		if msg == "" {
			msg = "no authentication result"
		} else {
			cat = pserr.Classify(msg)
		}
		return state.Auth{}, &pserr.AuthError{
			Endpoint:      endpoint,
			Category:      cat,
			RemoteMessage: msg,
		}
	}
	if a.Token == "" {
		a.Token = "session-" + uuid.NewString()
	}
	return a, nil
}

func value(line, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
