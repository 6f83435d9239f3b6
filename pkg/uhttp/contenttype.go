package uhttp

import "strings"

func IsJSONContentType(contentType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(contentType))
	if !strings.HasPrefix(normalized, "application") {
		return false
	}

	return strings.Contains(normalized, "json")
}
