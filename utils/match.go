package utils

import "strings"

// MatchActionPattern reports whether a stored action pattern covers the
// requested action. Three forms exist:
//   - "*" matches every action
//   - a trailing '*' matches by prefix ("doc:*" covers "doc:read")
//   - anything else matches exactly
//
// The comparison is case-sensitive apart from surrounding whitespace.
func MatchActionPattern(pattern, action string) bool {
	pattern = strings.TrimSpace(pattern)
	action = strings.TrimSpace(action)
	if pattern == "" || action == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(action, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == action
}

// MatchAnyAction reports whether any pattern in the set covers the action.
func MatchAnyAction(patterns []string, action string) bool {
	for _, p := range patterns {
		if MatchActionPattern(p, action) {
			return true
		}
	}
	return false
}
