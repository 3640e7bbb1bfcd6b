// Package textutil cleans free text entered at the till before it is stored or forwarded.
package textutil

import (
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	strictOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText strips markup and surrounding whitespace and truncates to limit runes. A limit <= 0
// disables truncation.
func PlainText(value string, limit int) string {
	cleaned := html.UnescapeString(policy().Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if limit > 0 && utf8.RuneCountInString(cleaned) > limit {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:limit]))
	}
	return cleaned
}

// NormalizeMetadata trims keys and values, removing entries with empty keys, and strips markup from
// values.
func NormalizeMetadata(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = PlainText(value, 500)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
