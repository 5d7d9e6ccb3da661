package util

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// ReadSecret prints prompt to stderr and reads one line from the
// controlling terminal without echo.
func ReadSecret(prompt string) (string, error) {
	if !IsTerminal(os.Stdin) {
		return "", fmt.Errorf("cannot prompt for %q: stdin is not a terminal", prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(b), nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
