package llm

import (
	"encoding/json"
	"strings"
)

// StripFences removes a markdown code fence wrapping vendor output.
// Models asked for JSON frequently return ```json ... ``` blocks;
// downstream parsers must never see the fence markers.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[3:]
	// The opening fence line may carry an info string ("json").
	idx := strings.IndexByte(rest, '\n')
	if idx < 0 {
		return trimmed
	}
	rest = rest[idx+1:]
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// ExtractJSON locates the first balanced JSON object in text and
// decodes it. Vendor replies often wrap the object in prose, so
// scanning tolerates leading and trailing commentary.
func ExtractJSON(text string) (map[string]any, bool) {
	cleaned := StripFences(text)
	for start := 0; start < len(cleaned); start++ {
		if cleaned[start] != '{' {
			continue
		}
		end, ok := matchBrace(cleaned, start)
		if !ok {
			// Unbalanced at this brace; a later brace may still close.
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the object opened
// at start, honoring string literals and escapes.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
