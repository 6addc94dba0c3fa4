package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that are never masked, even by MaskField.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"component": {},
	"operation": {},
	"caller":    {},
	"state":     {},
	"outcome":   {},
}

// Substrings that mark an attribute key as carrying credentials. Matching
// attributes are masked by the handler regardless of the call site.
var sensitiveFragments = []string{"signature", "authorization", "token", "secret", "passphrase", "private"}

// IsAllowlisted reports whether key is always emitted verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalizeKey(key)]
	return ok
}

// IsSensitive reports whether the handler masks attributes named key.
func IsSensitive(key string) bool {
	normalized := normalizeKey(key)
	if _, ok := redactionAllowlist[normalized]; ok {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskField masks value unless key is allowlisted. Blank values are kept so
// that "missing" and "present" stay distinguishable in logs.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
