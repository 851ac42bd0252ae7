package respond

import (
	"regexp"
	"strings"

	"github.com/rcliao/persona-fleet/internal/chunker"
)

// Decision is the parsed result of a completion: either Suppress or at
// least one chunk.
type Decision struct {
	Suppress bool
	Chunks   []string
}

// ParseOptions tunes ParseCompletion.
type ParseOptions struct {
	// MaxLen is the transport message limit in runes.
	MaxLen int
	// SelfNames are stripped when the model prefixes a chunk with "Name:".
	SelfNames []string
}

var ignoreRe = regexp.MustCompile(`(?i)\[ignore\]`)

// ParseCompletion turns a raw completion into a Decision.
func ParseCompletion(raw string, opts ParseOptions) Decision {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, IgnoreMarker) {
		return Decision{Suppress: true}
	}

	var chunks []string
	for _, part := range strings.Split(trimmed, ChunkSeparator) {
		part = ignoreRe.ReplaceAllString(part, "")
		part = humanize(part, opts.SelfNames)
		if part == "" {
			continue
		}
		chunks = append(chunks, chunker.Split(part, opts.MaxLen)...)
	}

	if len(chunks) == 0 {
		return Decision{Suppress: true}
	}
	return Decision{Chunks: chunks}
}

var fillerPrefixes = []string{"Sure, ", "Okay, ", "Certainly, ", "Absolutely, ", "Of course, "}

// humanize removes assistant-style artifacts: a leading "Name:" speaker
// label and stock filler openers.
func humanize(s string, selfNames []string) string {
	s = strings.TrimSpace(s)
	for _, name := range selfNames {
		if name == "" {
			continue
		}
		if len(s) > len(name) && strings.EqualFold(s[:len(name)], name) && s[len(name)] == ':' {
			s = strings.TrimSpace(s[len(name)+1:])
			break
		}
	}
	for _, p := range fillerPrefixes {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	return strings.TrimSpace(s)
}
