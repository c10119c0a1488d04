package audit

import "strings"

// RedactionMarker replaces sensitive values before persistence.
const RedactionMarker = "[REDACTED]"

var sensitiveKeys = []string{"password", "api_key", "secret", "token", "authorization"}

// Sanitize returns a copy of the payload with sensitive values replaced.
// Keys match on substring, case-insensitive, and nested maps are walked
// recursively. The input is never mutated.
func Sanitize(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}

	sanitized := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if isSensitive(key) {
			sanitized[key] = RedactionMarker
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			sanitized[key] = Sanitize(nested)
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
