package bootstrap

import (
	"fmt"
	"time"
)

// psTry wraps body so any terminating error becomes BOOTSTRAP_FAILED.
func psTry(body string) string {
	return "try {\n" + body + "\n} catch {\n    Write-Output ('BOOTSTRAP_FAILED:' + $_.Exception.Message)\n}"
}

func psSetting(body string) string {
	return "try {\n" + body + "\n    Write-Output 'SETTING_OK'\n} catch {\n    Write-Output ('SETTING_FAILED:' + $_.Exception.Message)\n}"
}

func psImport(module string) Strategy {
	return ScriptStrategy(module, psTry(fmt.Sprintf(
		`    Import-Module %s -ErrorAction Stop -WarningAction SilentlyContinue
    Write-Output 'BOOTSTRAP_OK:%s'`, module, module)))
}

// PowerCLIStrategies are the PowerShell import strategies, newest
// packaging first.
func PowerCLIStrategies() []Strategy {
	return []Strategy{
		psImport("VCF.PowerCLI"),
		psImport("VMware.PowerCLI"),
		ScriptStrategy("core-components", psTry(`    Import-Module VMware.VimAutomation.Common -ErrorAction Stop -WarningAction SilentlyContinue
    Import-Module VMware.VimAutomation.Core -ErrorAction Stop -WarningAction SilentlyContinue
    Write-Output 'BOOTSTRAP_OK:VMware.VimAutomation.Core'`)),
		ScriptStrategy("newest-version", psTry(`    $psmuxModule = Get-Module -ListAvailable -Name VCF.PowerCLI, VMware.PowerCLI, VMware.VimAutomation.Core |
        Sort-Object -Property Version -Descending | Select-Object -First 1
    if (-not $psmuxModule) { throw 'no PowerCLI module is installed' }
    Import-Module $psmuxModule.Path -ErrorAction Stop -WarningAction SilentlyContinue
    Write-Output ('BOOTSTRAP_OK:' + $psmuxModule.Name + ' ' + $psmuxModule.Version)`)),
		ScriptStrategy("partial-match", psTry(`    $psmuxNames = @(Get-Module -ListAvailable |
        Where-Object { $_.Name -like '*PowerCLI*' -or $_.Name -like '*VimAutomation*' } |
        Select-Object -ExpandProperty Name -Unique)
    foreach ($n in $psmuxNames) {
        try { Import-Module $n -ErrorAction Stop -WarningAction SilentlyContinue } catch { }
    }
    if (-not (Get-Command Connect-VIServer -ErrorAction SilentlyContinue)) {
        throw ('Connect-VIServer unavailable after importing: ' + ($psmuxNames -join ', '))
    }
    Write-Output ('BOOTSTRAP_OK:partial(' + ($psmuxNames -join ',') + ')')`)),
	}
}

// PowerCLISettings applies session-scoped PowerCLI configuration.
// opTimeout becomes the web operation timeout.
func PowerCLISettings(opTimeout time.Duration) []Setting {
	secs := int(opTimeout / time.Second)
	if secs <= 0 {
		secs = 300
	}
	cfg := func(arg string) string {
		return "    Set-PowerCLIConfiguration -Scope Session " + arg + " -Confirm:$false -ErrorAction Stop | Out-Null"
	}
	return []Setting{
		{"certificate-trust", psSetting(cfg("-InvalidCertificateAction Ignore"))},
		{"multi-server", psSetting(cfg("-DefaultVIServerMode Multiple"))},
		{"operation-timeout", psSetting(cfg(fmt.Sprintf("-WebOperationTimeoutSeconds %d", secs)))},
		{"no-proxy", psSetting(cfg("-ProxyPolicy NoProxy"))},
		{"tls12", psSetting(`    [Net.ServicePointManager]::SecurityProtocol = [Net.ServicePointManager]::SecurityProtocol -bor [Net.SecurityProtocolType]::Tls12`)},
	}
}

// ShellStrategies bootstrap a POSIX shell, which has no module to load.
func ShellStrategies() []Strategy {
	return []Strategy{
		ScriptStrategy("shell", `if command -v printf >/dev/null 2>&1; then echo 'BOOTSTRAP_OK:sh'; else echo 'BOOTSTRAP_FAILED:printf unavailable'; fi`),
	}
}

// ShellSettings pins the shell's locale so output is stable.
func ShellSettings() []Setting {
	return []Setting{
		{"locale", `LC_ALL=C; export LC_ALL; echo SETTING_OK`},
	}
}

// Defaults returns the strategies and settings for a dialect name.
func Defaults(dialectName string, opTimeout time.Duration) ([]Strategy, []Setting) {
	if dialectName == "posix" {
		return ShellStrategies(), ShellSettings()
	}
	return PowerCLIStrategies(), PowerCLISettings(opTimeout)
}
