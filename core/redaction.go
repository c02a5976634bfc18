package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap copies metadata replacing secret-looking values. Session
// ids and digests stay visible so log lines remain correlatable.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	for _, token := range []string{
		"api_key",
		"apikey",
		"x-api-key",
		"authorization",
		"secret",
		"token",
		"password",
		"credential",
		"creds",
		"pairing_code",
		"phone",
		"identity",
	} {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "session_id",
		"request_id",
		"trace_id",
		"trigger",
		"status",
		"masked_identity",
		"bundle_fingerprint",
		"attempt",
		"attempts":
		return true
	default:
		return false
	}
}
