package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value and key: value pairs with key-like names
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bot[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Provider key shapes
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Telegram bot tokens
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key prefix when the pattern captured one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSecretKey reports whether an env or config key name looks like it holds a credential.
func IsSecretKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

