package observability

import "unicode"

// sanitizeString drops control characters and truncates to limit runes so header values cannot
// forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

// SanitizeRoute limits route patterns recorded on logs and spans.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeID limits caller-supplied identifiers such as tenant and actor ids.
func SanitizeID(id string) string {
	return sanitizeString(id, 64)
}
