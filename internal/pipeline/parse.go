package pipeline

import (
	"encoding/json"
	"strings"
)

// decodeJSON parses a completion response that should be JSON but may be
// wrapped in code fences or prose. It finds the outermost object and
// unmarshals into v.
func decodeJSON(s string, v any) error {
	s = strings.TrimSpace(s)
	// Strip code fences if present.
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	// Heuristic: find first '{' and last '}'.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return json.Unmarshal([]byte(s), v)
}

// stripFences removes a single surrounding markdown fence, for responses that
// return the artifact directly instead of JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
