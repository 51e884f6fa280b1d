// Package typeutil provides safe extraction and cloning helpers for the
// map-shaped payloads that flow through the bus, state store and handlers.
// Extraction helpers follow Go best practices by using the comma-ok idiom
// for type assertions.
package typeutil

import (
	"time"
)

// SafeMapStringAny safely asserts value to map[string]any.
// Returns the map and true if successful, or nil and false if not.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeMapStringAnyDefault safely asserts value to map[string]any with a default fallback.
func SafeMapStringAnyDefault(value any, defaultVal map[string]any) map[string]any {
	if m, ok := SafeMapStringAny(value); ok {
		return m
	}
	return defaultVal
}

// SafeString safely asserts value to string.
// Returns the string and true if successful, or empty string and false if not.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault safely asserts value to string with a default fallback.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt safely asserts value to int.
// Also handles float64 (common from JSON unmarshaling).
func SafeInt(value any) (int, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// SafeIntDefault safely asserts value to int with a default fallback.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeFloat64 safely asserts value to float64.
// Also handles int types.
func SafeFloat64(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// SafeFloat64Default safely asserts value to float64 with a default fallback.
func SafeFloat64Default(value any, defaultVal float64) float64 {
	if f, ok := SafeFloat64(value); ok {
		return f
	}
	return defaultVal
}

// SafeBool safely asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeBoolDefault safely asserts value to bool with a default fallback.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// SafeSlice safely asserts value to []any.
func SafeSlice(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	s, ok := value.([]any)
	return s, ok
}

// SafeSliceDefault safely asserts value to []any with a default fallback.
func SafeSliceDefault(value any, defaultVal []any) []any {
	if s, ok := SafeSlice(value); ok {
		return s
	}
	return defaultVal
}

// SafeStringSlice safely asserts value to []string.
// Also handles []any containing strings.
func SafeStringSlice(value any) ([]string, bool) {
	if value == nil {
		return nil, false
	}

	// Direct type assertion
	if s, ok := value.([]string); ok {
		return s, true
	}

	// Handle []any containing strings (common from JSON)
	if anySlice, ok := value.([]any); ok {
		result := make([]string, 0, len(anySlice))
		for _, item := range anySlice {
			if str, ok := item.(string); ok {
				result = append(result, str)
			} else {
				return nil, false
			}
		}
		return result, true
	}

	return nil, false
}

// SafeStringSliceDefault safely asserts value to []string with a default fallback.
func SafeStringSliceDefault(value any, defaultVal []string) []string {
	if s, ok := SafeStringSlice(value); ok {
		return s
	}
	return defaultVal
}

// SafeMapSlice safely asserts value to []map[string]any.
// Also handles []any containing maps (common from JSON).
func SafeMapSlice(value any) ([]map[string]any, bool) {
	if value == nil {
		return nil, false
	}

	if s, ok := value.([]map[string]any); ok {
		return s, true
	}

	if anySlice, ok := value.([]any); ok {
		result := make([]map[string]any, 0, len(anySlice))
		for _, item := range anySlice {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			result = append(result, m)
		}
		return result, true
	}

	return nil, false
}

// SafeDurationMS reads a millisecond count (int or float) as a Duration.
// Payload timing fields (durationMs, delayMs, timeMs) are plain numbers.
func SafeDurationMS(value any) (time.Duration, bool) {
	ms, ok := SafeInt(value)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// SafeDurationMSDefault reads a millisecond count with a default fallback.
func SafeDurationMSDefault(value any, defaultVal time.Duration) time.Duration {
	if d, ok := SafeDurationMS(value); ok {
		return d
	}
	return defaultVal
}

// GetNestedValue safely gets a nested value from a map[string]any using a dot-separated path.
// Example: GetNestedValue(data, "voting.winner") returns data["voting"]["winner"]
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	keys := SplitPath(path)
	current := any(data)

	for _, key := range keys {
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// GetNestedString safely gets a nested string value from a map.
func GetNestedString(data map[string]any, path string) (string, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return "", false
	}
	return SafeString(v)
}

// SplitPath splits a dot-separated path into keys.
// Empty segments are dropped ("a..b" walks the same as "a.b").
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	result := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				result = append(result, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		result = append(result, path[start:])
	}
	return result
}
