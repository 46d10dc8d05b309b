package sandbox

import (
	"os"
	"strings"
)

// allowedEnvVars is the minimal environment passed to child processes:
// lookup paths, system identity, and temp directories. Everything else,
// including any credentials the agent process carries, is withheld.
var allowedEnvVars = []string{
	"PATH",
	"HOME",
	"USER",
	"LOGNAME",
	"LANG",
	"TZ",
	"TMPDIR",
	"TEMP",
	"TMP",
	"SYSTEMROOT",
	"COMPUTERNAME",
	"HOSTNAME",
}

// minimalEnv builds the child environment from the current process
// environment. PSModulePath is added only for PowerShell targets so module
// resolution keeps working there.
func minimalEnv(executable string) []string {
	env := make([]string, 0, len(allowedEnvVars)+1)
	for _, key := range allowedEnvVars {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}

	base := strings.ToLower(executable)
	if idx := strings.LastIndexAny(base, `/\`); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimSuffix(base, ".exe")
	if base == "powershell" || base == "pwsh" {
		if value, ok := os.LookupEnv("PSModulePath"); ok {
			env = append(env, "PSModulePath="+value)
		}
	}
	return env
}
