package dialect

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// PowerShell drives Windows PowerShell or PowerShell 7 with PowerCLI.
type PowerShell struct{}

func (PowerShell) Name() string { return "powershell" }

// Args: no profile, no execution-policy restrictions, stay alive and
// read commands from stdin.
func (PowerShell) Args() []string {
	return []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-NoExit", "-Command", "-"}
}

// Prelude silences progress bars and confirmation prompts, which would
// otherwise interleave with or block command output.
func (PowerShell) Prelude() string {
	return "$ProgressPreference = 'SilentlyContinue'\n$ConfirmPreference = 'None'"
}

// Wrap runs script inside try/catch/finally; the finally block prints
// the marker.  The script travels base64-encoded and the whole command
// is one line, since a blank line read from stdin would submit an
// unfinished block.  Dot-sourcing keeps the script's variables in the
// session scope.
func (p PowerShell) Wrap(script, token string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(script))
	var b strings.Builder
	fmt.Fprintf(&b, "try { . ([ScriptBlock]::Create([Text.Encoding]::UTF8.GetString([Convert]::FromBase64String('%s')))) }", enc)
	b.WriteString(" catch { Write-Output ('ERROR: ' + $_.Exception.Message) }")
	fmt.Fprintf(&b, " finally { [Console]::Out.WriteLine(%s + %s) }\n", p.Quote(markerHead), p.Quote(markerTail(token)))
	return b.String()
}

// Quote doubles embedded single quotes.
func (PowerShell) Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (p PowerShell) AuthScript(t Target, secret string) string {
	port := ""
	if t.Port > 0 {
		port = fmt.Sprintf(" -Port %d", t.Port)
	}
	return fmt.Sprintf(`$psmuxCred = New-Object System.Management.Automation.PSCredential(%s, (ConvertTo-SecureString %s -AsPlainText -Force))
try {
    $psmuxConn = Connect-VIServer -Server %s%s -Credential $psmuxCred -ErrorAction Stop
    Write-Output 'RESULT_OK'
    Write-Output ('SESSION_ID:' + $psmuxConn.SessionId)
    Write-Output ('VERSION:' + $psmuxConn.Version)
    Write-Output ('BUILD:' + $psmuxConn.Build)
    Write-Output ('PRODUCT:' + $psmuxConn.ProductLine)
} catch {
    Write-Output ('RESULT_FAILED:' + $_.Exception.Message)
} finally {
    Remove-Variable -Name psmuxCred -ErrorAction SilentlyContinue
}`, p.Quote(t.Principal), p.Quote(secret), p.Quote(t.Address), port)
}

func (p PowerShell) ContextProbe(t Target) string {
	return fmt.Sprintf(`if ($global:DefaultVIServer -and $global:DefaultVIServer.IsConnected -and $global:DefaultVIServer.Name -eq %s) {
    Write-Output 'CONTEXT_OK'
} else {
    Write-Output ('CONTEXT_MISMATCH:' + $global:DefaultVIServer.Name)
}`, p.Quote(t.Address))
}

func (PowerShell) SignOffProbe() string {
	return `if ((Get-Command Disconnect-VIServer -ErrorAction SilentlyContinue) -and @($global:DefaultVIServers | Where-Object { $_.IsConnected }).Count -gt 0) {
    Write-Output 'SIGNOFF_NEEDED'
} else {
    Write-Output 'SIGNOFF_SKIP'
}`
}

func (PowerShell) SignOff() string {
	return "Disconnect-VIServer -Server * -Force -Confirm:$false -ErrorAction SilentlyContinue"
}

func (PowerShell) Exit() string { return "exit\n" }
