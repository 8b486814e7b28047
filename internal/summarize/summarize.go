// Package summarize produces short summary lines for stored memories.
package summarize

import (
	"strings"
)

const (
	maxSentences = 2
	maxRunes     = 240
)

// FirstSentences returns up to two leading sentences of the text, capped at
// 240 runes. Whitespace is collapsed; an empty input yields an empty summary.
func FirstSentences(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return ""
	}

	sentences := 0
	end := len(collapsed)
	for i, r := range collapsed {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		sentences++
		if sentences == maxSentences {
			end = i + 1
			break
		}
	}
	summary := collapsed[:end]

	runes := []rune(summary)
	if len(runes) > maxRunes {
		summary = strings.TrimRight(string(runes[:maxRunes-1]), " ") + "…"
	}
	return summary
}
