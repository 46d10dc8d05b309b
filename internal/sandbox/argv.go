package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Argv parsing errors.
var (
	ErrEmptyCommand    = errors.New("command is empty")
	ErrUnclosedQuote   = errors.New("command has an unclosed quote")
	ErrShellMetachar   = errors.New("command contains shell metacharacters")
	ErrControlChar     = errors.New("command contains control characters")
	ErrNullByte        = errors.New("command contains a null byte")
	ErrOptionExecution = errors.New("executable starts with a dash")
)

// shellMetachars would change meaning under a shell. Commands are executed
// argv-vector with no shell, so their presence outside quotes is always an
// injection attempt or a mistake; both are rejected.
const shellMetachars = ";&|<>$`"

// ParseCommand splits a raw command into an argv vector without invoking a
// shell. Single quotes, double quotes and backslash escapes group words;
// shell metacharacters outside quotes are rejected.
func ParseCommand(command string) ([]string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil, ErrEmptyCommand
	}
	if strings.ContainsRune(trimmed, 0) {
		return nil, ErrNullByte
	}
	if strings.ContainsAny(trimmed, "\r\n") {
		return nil, ErrControlChar
	}

	var (
		argv    []string
		current strings.Builder
		inWord  bool
		quote   rune // 0 when unquoted
		escaped bool
	)

	flush := func() {
		if inWord {
			argv = append(argv, current.String())
			current.Reset()
			inWord = false
		}
	}

	for _, r := range trimmed {
		switch {
		case escaped:
			current.WriteRune(r)
			inWord = true
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		case strings.ContainsRune(shellMetachars, r):
			return nil, fmt.Errorf("%w: %q", ErrShellMetachar, r)
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if escaped || quote != 0 {
		return nil, ErrUnclosedQuote
	}
	flush()

	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if strings.HasPrefix(argv[0], "-") {
		return nil, ErrOptionExecution
	}
	return argv, nil
}
