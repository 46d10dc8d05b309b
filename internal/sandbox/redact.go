package sandbox

import "regexp"

// outputRedactPatterns match credential-shaped content in captured command
// output. Private-key blocks are replaced wholesale.
var outputRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)[\s:=]+["']?[^\s"']{4,}["']?`),
	regexp.MustCompile(`(?i)(api[_-]?key|token)[\s:=]+["']?[a-zA-Z0-9_\-.]{8,}["']?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]{16,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

const redactedPlaceholder = "[REDACTED]"

// sanitizeOutput redacts sensitive patterns and truncates the result to
// maxBytes. It returns the cleaned output, the number of redactions, and
// how many bytes the truncation dropped.
func sanitizeOutput(output string, maxBytes int) (clean string, redactions, truncatedBytes int) {
	for _, re := range outputRedactPatterns {
		output = re.ReplaceAllStringFunc(output, func(string) string {
			redactions++
			return redactedPlaceholder
		})
	}

	if maxBytes > 0 && len(output) > maxBytes {
		truncatedBytes = len(output) - maxBytes
		output = output[:maxBytes]
	}
	return output, redactions, truncatedBytes
}
