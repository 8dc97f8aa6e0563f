package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitText splits text into pieces of at most limit runes, preferring to
// break at a newline (when past half the limit) and falling back to a space
// so words are not cut mid-way. A non-positive limit returns the text as-is.
func SplitText(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		window := runes[:limit]
		if idx := lastRune(window, '\n'); idx > limit/2 {
			cut = idx + 1
		} else if idx := lastRune(window, ' '); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n "))
		runes = runes[cut:]
	}
	if rest := strings.TrimRight(string(runes), "\n "); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// lastRune returns the highest index of r in runes, or -1. Rune indices keep
// the break-position threshold consistent with the rune-based limit.
func lastRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// Truncate shortens a string to at most width display cells, appending "..."
// when truncated. Used for log previews and permission prompt descriptions.
func Truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}
