package pipeline

import (
	"strings"
	"unicode/utf8"
)

// DefaultTTSMaxChars is the largest chunk handed to a speech provider in one request.
const DefaultTTSMaxChars = 250

// SplitTextForTTS packs whitespace-separated words into chunks of at most maxChars characters.
// Characters are runes, not bytes. A single word longer than maxChars becomes its own chunk.
func SplitTextForTTS(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultTTSMaxChars
	}

	var chunks []string
	var buf strings.Builder
	n := 0 // runes in buf
	for _, word := range strings.Fields(text) {
		w := utf8.RuneCountInString(word)
		switch {
		case n == 0:
			buf.WriteString(word)
			n = w
		case n+1+w <= maxChars:
			buf.WriteByte(' ')
			buf.WriteString(word)
			n += 1 + w
		default:
			chunks = append(chunks, buf.String())
			buf.Reset()
			buf.WriteString(word)
			n = w
		}
	}
	if n > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}
