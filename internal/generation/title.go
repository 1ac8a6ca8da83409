package generation

import (
	"strings"
	"unicode/utf8"
)

const (
	maxTitleWords = 6
	maxTitleRunes = 200
)

// CleanTitle normalizes a model-produced title: surrounding quotes go, at
// most six words and 200 characters survive. Empty input stays empty.
func CleanTitle(raw string) string {
	title := strings.Trim(strings.TrimSpace(raw), `"'`)
	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	title = strings.Join(words, " ")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = strings.TrimSpace(string([]rune(title)[:maxTitleRunes]))
	}
	return title
}
