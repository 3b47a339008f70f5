package tts

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMinChunkLen = 50
	DefaultMaxChunkLen = 200

	// baseWordsPerMinute is the reference speaking rate at a 1.0 rate
	// multiplier, used for duration estimates and progress offsets.
	baseWordsPerMinute = 150
)

// SplitText cuts text into synthesis chunks. Every sentence becomes a
// chunk of its own; sentences longer than maxLen are split again at
// clause punctuation, then whitespace, then a hard cap, never producing
// a fragment shorter than minLen unless the text itself is shorter.
func SplitText(text string, minLen, maxLen int) []string {
	if minLen <= 0 {
		minLen = DefaultMinChunkLen
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLen
	}
	if maxLen < minLen {
		maxLen = minLen
	}

	var chunks []string
	for _, sentence := range splitSentences(text) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if len(sentence) <= maxLen {
			chunks = append(chunks, sentence)
			continue
		}
		chunks = append(chunks, splitLong(sentence, minLen, maxLen)...)
	}
	return chunks
}

// splitSentences breaks on terminal punctuation, keeping the
// punctuation with its sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Consume repeated terminators ("...", "?!") as one boundary.
			if i+1 < len(runes) && (runes[i+1] == '.' || runes[i+1] == '!' || runes[i+1] == '?') {
				continue
			}
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// splitLong breaks an over-length sentence. The cut point is searched
// backwards from maxLen down to minLen, preferring clause punctuation
// over whitespace; with neither in range the text is cut hard at maxLen.
func splitLong(sentence string, minLen, maxLen int) []string {
	var chunks []string
	rest := sentence
	for len(rest) > maxLen {
		cut := findCut(rest, minLen, maxLen)
		chunks = append(chunks, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func findCut(s string, minLen, maxLen int) int {
	isClause := func(r byte) bool {
		return r == ',' || r == ';' || r == ':'
	}
	for i := maxLen - 1; i >= minLen; i-- {
		if isClause(s[i]) {
			return i + 1
		}
	}
	for i := maxLen - 1; i >= minLen; i-- {
		if unicode.IsSpace(rune(s[i])) {
			return i + 1
		}
	}
	// Hard cap. Back off to a rune boundary so a multibyte character
	// is never split across chunks.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}

// EstimateDuration predicts how long a chunk takes to speak at the
// given rate multiplier.
func EstimateDuration(text string, rate float64) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	if rate <= 0 {
		rate = 1
	}
	wpm := baseWordsPerMinute * rate
	minutes := float64(words) / wpm
	return time.Duration(minutes * float64(time.Minute))
}
