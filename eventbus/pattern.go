package eventbus

import "strings"

// Event names are segmented by `.` and `:` interchangeably.
// "orchestrator:stage:complete" and "orchestrator.stage.complete" split to
// the same three segments.

// splitSegments splits an event name or pattern into its segments.
func splitSegments(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == ':'
	})
}

// isPattern reports whether a subscription string contains glob segments.
func isPattern(name string) bool {
	return strings.Contains(name, "*")
}

// matchSegments matches pattern segments against event segments.
// `*` matches exactly one segment, `**` matches zero or more.
func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		// Try consuming zero segments, then one more at a time.
		if matchSegments(pattern[1:], name) {
			return true
		}
		if len(name) > 0 {
			return matchSegments(pattern, name[1:])
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != name[0] {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}
