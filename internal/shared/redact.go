package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing patterns in log/audit/error strings.
// The device key is the main secret on a workstation; the generic patterns
// also catch auth headers echoed back in server error bodies.
// Each pattern captures the key prefix and its separator in group 1 and
// consumes the secret value (quoted or bare) outside it, so replacement can
// keep the prefix verbatim while the value disappears.
var secretPatterns = []*regexp.Regexp{
	// Key-like prefixes followed by long opaque values.
	regexp.MustCompile(`(?i)((?:device[_-]?key|api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
	// X-Device-Key header values echoed in error text.
	regexp.MustCompile(`(?i)(X-Device-Key\s*:\s*)[A-Za-z0-9_\-./+=]{8,}`),
	// UUIDs that look like tokens (after auth-related prefixes).
	regexp.MustCompile(`(?i)((?:token|secret|key)\s*[:=]\s*)"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllString(result, "${1}"+redactedPlaceholder)
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns a redacted
// value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"device_key", "api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
