package validators

import (
	"strings"
	"unicode"
)

// Sanitizer is implemented by request bodies that clean free-text fields
// before validation runs.
type Sanitizer interface {
	Sanitize()
}

// SanitizeString trims input, drops control characters other than newlines
// and tabs, and keeps at most maxLen runes. A zero maxLen keeps everything.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, input)
	cleaned = strings.TrimSpace(cleaned)
	if maxLen <= 0 {
		return cleaned
	}
	count := 0
	for i := range cleaned {
		if count == maxLen {
			return strings.TrimSpace(cleaned[:i])
		}
		count++
	}
	return cleaned
}
