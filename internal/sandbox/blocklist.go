// Package sandbox executes tools and raw commands on the endpoint under
// strict safety constraints: a destructive-command blocklist, shell-less
// argv invocation with a minimal environment, hard timeouts, and output
// redaction and truncation.
package sandbox

import (
	"regexp"
	"strings"
)

// blockedSubstrings are case-insensitive substrings that mark a command as
// destructive or as an injection vector. The matched token is reported
// verbatim in the BLOCKED result.
var blockedSubstrings = []string{
	// unrecoverable file destruction
	"rm -rf /",
	"rm -fr /",
	"rm -rf ~",
	"rm -rf .",
	// disk wipes
	"mkfs",
	"dd if=",
	"dd of=/dev/",
	"> /dev/sd",
	"> /dev/nvme",
	"shred ",
	// power state
	"shutdown",
	"reboot",
	"poweroff",
	"halt -f",
	"init 0",
	"init 6",
	// user and permission mutation
	"userdel",
	"useradd",
	"usermod",
	"groupdel",
	"passwd",
	"chmod -r 777 /",
	"chown -r",
	"net user",
	// command substitution as injection vector
	"`",
	"$(",
	// decoded pipes
	"| sh",
	"| bash",
	"|sh",
	"|bash",
	"base64 -d",
	"base64 --decode",
	// windows destructive variants
	"format c:",
	"del /f /s /q",
	"rd /s /q",
	"remove-item -recurse -force",
	// fork bomb
	":(){",
}

// blockedPatterns cover variants that substrings cannot express.
var blockedPatterns = []*regexp.Regexp{
	// rm -rf with any flag ordering against root-ish paths
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+(/|~)`),
	// redirection into raw block devices
	regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|disk)`),
	// writing filesystem images over devices
	regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/`),
}

// Screen checks a raw command against the blocklist before any parsing or
// execution. It returns the matched token when the command is blocked.
func Screen(command string) (token string, blocked bool) {
	lowered := strings.ToLower(command)

	for _, sub := range blockedSubstrings {
		if strings.Contains(lowered, sub) {
			return sub, true
		}
	}
	for _, re := range blockedPatterns {
		if match := re.FindString(command); match != "" {
			return match, true
		}
	}

	// privileged variants: strip a leading sudo and screen the remainder
	// so "sudo rm -rf /" reports the destructive token, not the prefix
	if rest, ok := strings.CutPrefix(strings.TrimSpace(lowered), "sudo "); ok {
		return Screen(rest)
	}
	return "", false
}
