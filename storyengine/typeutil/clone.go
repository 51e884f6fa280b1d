package typeutil

// Deep-copy helpers for the map/slice/primitive payload shapes the platform
// passes around. Values outside those shapes (structs, channels, funcs) are
// copied by reference; callers keep payloads within the supported shapes.

// DeepCopyValue deep-copies a payload value.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = DeepCopyValue(item)
		}
		return result
	case []map[string]any:
		return DeepCopyMapSlice(val)
	case []string:
		return CopyStringSlice(val)
	default:
		return v // Primitives are copied by value
	}
}

// DeepCopyMap deep-copies a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = DeepCopyValue(v)
	}
	return result
}

// DeepCopyMapSlice deep-copies a slice of maps.
func DeepCopyMapSlice(s []map[string]any) []map[string]any {
	if s == nil {
		return nil
	}
	result := make([]map[string]any, len(s))
	for i, m := range s {
		result[i] = DeepCopyMap(m)
	}
	return result
}

// CopyStringSlice copies a string slice.
func CopyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	result := make([]string, len(s))
	copy(result, s)
	return result
}
