package collector

import "strings"

// Match reports whether item passes the keyword lists of a source.
// Include keywords use OR logic, exclude keywords use AND logic, and both
// compare case-insensitively against title and description.
func Match(item Item, include, exclude []string) bool {
	text := strings.ToLower(item.Title + " " + item.Description)

	for _, kw := range exclude {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return false
		}
	}

	hasIncludes := false
	for _, kw := range include {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		hasIncludes = true
		if strings.Contains(text, kw) {
			return true
		}
	}
	return !hasIncludes
}
