package shared

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const redactedPlaceholder = "[REDACTED]"

// secretRules match secret-bearing fragments in script output and log lines.
// Replacement templates keep the key or scheme and drop the value.
var secretRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	// key=value style credentials
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password|passwd)\s*[:=]\s*"?[A-Za-z0-9_\-./+=!@#$%^&*]{8,}"?`), "${1}=" + redactedPlaceholder},
	// Bearer tokens in Authorization headers
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	// Telegram bot tokens (123456789:AA...)
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), redactedPlaceholder},
	// AWS access key ids
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`), redactedPlaceholder},
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, rule := range secretRules {
		result = rule.re.ReplaceAllString(result, rule.repl)
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}

// TruncationMarker is appended to text cut by Truncate.
const TruncationMarker = "\n... (truncated)"

// Truncate cuts s to at most maxChars characters (runes) and appends
// TruncationMarker when anything was removed.
func Truncate(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i] + TruncationMarker, true
		}
		n++
	}
	return s, false
}
