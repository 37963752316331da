package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive material.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are log keys whose values must never reach a sink: webhook
// signing secrets, API credentials, bearer tokens.
var sensitiveKeys = map[string]struct{}{
	"secret":        {},
	"apikey":        {},
	"api_key":       {},
	"token":         {},
	"authorization": {},
	"signature":     {},
}

// IsSensitive reports whether values under the given key must be redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Field returns a slog.Attr, redacting the value when the key is sensitive.
// Empty values pass through so absent fields stay recognizably absent.
func Field(key, value string) slog.Attr {
	if value == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
