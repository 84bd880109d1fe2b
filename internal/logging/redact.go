package logging

import (
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// sensitiveKey matches attribute keys whose entire value must be replaced:
// "authorization" exactly, or any key ending in key/token/secret/password.
var sensitiveKey = regexp.MustCompile(`(?i)(^authorization$|(key|token|secret|password)$)`)

// Secret-shaped substrings inside string values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`), // JWT
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                                     // AWS access key ID
}

// SensitiveKey reports whether an attribute key names a secret.
func SensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// RedactString replaces secret-shaped substrings inside a value.
func RedactString(s string) string {
	for _, p := range secretPatterns {
		if p.MatchString(s) {
			s = p.ReplaceAllString(s, redactedPlaceholder)
		}
	}
	return s
}

// RedactValue recursively redacts a decoded JSON-ish value: maps have
// sensitive keys replaced wholesale, strings get substring scrubbing,
// slices recurse element-wise. Other types pass through.
func RedactValue(key string, v any) any {
	if SensitiveKey(key) {
		return redactedPlaceholder
	}
	switch t := v.(type) {
	case string:
		return RedactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = RedactValue(k, elem)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = RedactValue("", elem)
		}
		return out
	case error:
		return RedactString(t.Error())
	default:
		return v
	}
}

// redactedCopy is RedactValue for a whole field map.
func redactedCopy(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = RedactValue(k, v)
	}
	return out
}
