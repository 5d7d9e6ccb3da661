package dialect

import (
	"bytes"
	"encoding/base64"
	"os/exec"
	"runtime"
	"strings"
	"testing"
)

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		if len(tok) != 32 || strings.Contains(tok, "-") {
			t.Fatalf("unexpected token shape %q", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestWrap_NeverContainsMarker(t *testing.T) {
	for _, d := range []Dialect{PowerShell{}, POSIX{}} {
		t.Run(d.Name(), func(t *testing.T) {
			tok := NewToken()
			wrapped := d.Wrap("Get-Date", tok)
			if strings.Contains(wrapped, Marker(tok)) {
				t.Errorf("wrapped text contains the marker:\n%s", wrapped)
			}
			if !strings.Contains(wrapped, tok) {
				t.Errorf("wrapped text does not reference the token:\n%s", wrapped)
			}
			enc := base64.StdEncoding.EncodeToString([]byte("Get-Date"))
			if !strings.Contains(wrapped, "Get-Date") && !strings.Contains(wrapped, enc) {
				t.Errorf("wrapped text lost the script:\n%s", wrapped)
			}
		})
	}
}

func TestPowerShell_WrapIsOneLine(t *testing.T) {
	const script = "$a = 1\n\nif ($a) {\n\n    Write-Output 'it''s'\n}"
	tok := NewToken()
	wrapped := PowerShell{}.Wrap(script, tok)

	if strings.Count(wrapped, "\n") != 1 || !strings.HasSuffix(wrapped, "}\n") {
		t.Fatalf("wrapped command spans lines:\n%s", wrapped)
	}
	if strings.Contains(wrapped, "Write-Output 'it''s'") {
		t.Error("payload sent unencoded")
	}
	enc := base64.StdEncoding.EncodeToString([]byte(script))
	if !strings.Contains(wrapped, "FromBase64String('"+enc+"')") {
		t.Errorf("payload not embedded as base64:\n%s", wrapped)
	}
	if !strings.Contains(wrapped, "finally {") {
		t.Error("no finally block")
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		d    Dialect
		in   string
		want string
	}{
		{PowerShell{}, "plain", "'plain'"},
		{PowerShell{}, "it's", "'it''s'"},
		{POSIX{}, "plain", "'plain'"},
		{POSIX{}, "it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := tt.d.Quote(tt.in); got != tt.want {
			t.Errorf("%s.Quote(%q) = %q, want %q", tt.d.Name(), tt.in, got, tt.want)
		}
	}
}

func TestForName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"", "powershell", false},
		{"PowerShell", "powershell", false},
		{"pwsh", "powershell", false},
		{"posix", "posix", false},
		{" sh ", "posix", false},
		{"cmd", "", true},
	}
	for _, tt := range tests {
		d, err := ForName(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ForName(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || d.Name() != tt.want {
			t.Errorf("ForName(%q) = %v, %v; want %s", tt.in, d, err, tt.want)
		}
	}
}

func TestPowerShell_Args(t *testing.T) {
	args := strings.Join(PowerShell{}.Args(), " ")
	for _, want := range []string{"-NoProfile", "-ExecutionPolicy Bypass", "-NoExit", "-Command -"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestPowerShell_AuthScriptQuotes(t *testing.T) {
	s := PowerShell{}.AuthScript(Target{Address: "vc1.test", Principal: "admin", Port: 443}, "pa'ss")
	for _, want := range []string{"'pa''ss'", "-Server 'vc1.test' -Port 443", "'admin'", "RESULT_FAILED:"} {
		if !strings.Contains(s, want) {
			t.Errorf("auth script missing %q:\n%s", want, s)
		}
	}
}

// runSh feeds input to a real sh -s and returns its combined output.
func runSh(t *testing.T, input string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command(sh, POSIX{}.Args()...)
	cmd.Stdin = strings.NewReader(input)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		t.Fatalf("sh: %v\n%s", err, out.String())
	}
	return out.String()
}

func TestPOSIX_WrapPrintsMarkerLast(t *testing.T) {
	d := POSIX{}
	tok := NewToken()
	out := runSh(t, d.Prelude()+"\n"+d.Wrap("emit 'PONG'\necho oops 1>&2\nfalse", tok))

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if got := lines[len(lines)-1]; got != Marker(tok) {
		t.Fatalf("last line = %q, want marker; output:\n%s", got, out)
	}
	if !strings.Contains(out, "PONG\n") || !strings.Contains(out, "oops\n") {
		t.Errorf("script output missing:\n%s", out)
	}
}

func TestPOSIX_AuthAndContext(t *testing.T) {
	d := POSIX{}
	tgt := Target{Address: "vc1.test", Principal: "admin", Port: 443}
	other := Target{Address: "vc2.test", Principal: "admin"}

	out := runSh(t, strings.Join([]string{
		d.AuthScript(tgt, "s3cret"),
		d.ContextProbe(tgt),
		d.ContextProbe(other),
		d.SignOffProbe(),
		d.SignOff(),
		d.SignOffProbe(),
	}, "\n")+"\n")

	for _, want := range []string{
		"RESULT_OK\n",
		"SESSION_ID:",
		"BUILD:443\n",
		"PRODUCT:posix\n",
		"CONTEXT_OK\n",
		"CONTEXT_MISMATCH:admin@vc1.test\n",
		"SIGNOFF_NEEDED\nSIGNOFF_SKIP\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPOSIX_AuthRejectsEmptySecret(t *testing.T) {
	d := POSIX{}
	out := runSh(t, d.AuthScript(Target{Address: "vc1.test", Principal: "admin"}, "")+"\n")
	if !strings.HasPrefix(out, ResultFailed) {
		t.Errorf("expected RESULT_FAILED, got:\n%s", out)
	}
}
