package accesslog

import "strings"

// maxValueLen caps stored string values; longer ones are truncated.
const maxValueLen = 500

// sensitiveMarkers flag keys and values that must not reach the database.
var sensitiveMarkers = []string{
	"password",
	"secret",
	"token",
	"key",
	"credential",
	"auth",
	"api_key",
	"apikey",
	"private",
	"bearer",
}

const redacted = "[REDACTED]"

// SanitizeParameters returns a copy of tool parameters safe for persistence:
// sensitive keys and values are redacted and long strings truncated. Nested
// maps and lists are sanitized recursively.
func SanitizeParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(params))
	for key, value := range params {
		if looksSensitive(key) {
			sanitized[key] = redacted
			continue
		}
		sanitized[key] = sanitizeValue(value)
	}
	return sanitized
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if looksSensitive(v) {
			return redacted
		}
		if len(v) > maxValueLen {
			return v[:maxValueLen] + "...[truncated]"
		}
		return v
	case map[string]interface{}:
		return SanitizeParameters(v)
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = sanitizeValue(item)
		}
		return items
	default:
		return value
	}
}

func looksSensitive(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
