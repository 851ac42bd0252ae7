// Package chunker splits long outbound text into messages that fit the
// transport's length limit.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLen is the message length limit of the chat network, in runes.
const DefaultMaxLen = 4096

// separators are tried in order: paragraphs, lines, words.
var separators = []string{"\n\n", "\n", " "}

// Split breaks text into pieces of at most maxLen runes. It prefers
// paragraph boundaries, then line boundaries, then word boundaries, and
// only cuts inside a word when a single word is longer than maxLen.
// Short text (<= maxLen) returns a single piece; blank text returns nil.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}
	return split(text, maxLen, 0)
}

func split(text string, maxLen, level int) []string {
	if level >= len(separators) {
		return hardSplit(text, maxLen)
	}
	sep := separators[level]

	var out []string
	var accum string
	flush := func() {
		if t := strings.TrimSpace(accum); t != "" {
			out = append(out, t)
		}
		accum = ""
	}

	for _, part := range strings.Split(text, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if utf8.RuneCountInString(part) > maxLen {
			flush()
			out = append(out, split(part, maxLen, level+1)...)
			continue
		}
		if accum == "" {
			accum = part
			continue
		}
		combined := accum + sep + part
		if utf8.RuneCountInString(combined) <= maxLen {
			accum = combined
		} else {
			flush()
			accum = part
		}
	}
	flush()
	return out
}

// hardSplit cuts text every maxLen runes.
func hardSplit(text string, maxLen int) []string {
	var out []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := maxLen
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
