package security

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// Pattern is one named injection or manipulation matcher.
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

// Match reports whether normalized text matches.
func (p Pattern) Match(text string) bool { return p.re.MatchString(text) }

// defaultPatterns cover common prompt-injection phrasing in English and Russian.
var defaultPatterns = map[string]string{
	"ignore-instructions": `\b(ignore|disregard|forget|override)\b.{0,20}\b(previous|prior|above|earlier|all|your|system)\b.{0,20}\b(instructions?|prompts?|rules|directives)\b`,
	"new-instructions":    `\b(new|updated) (system )?instructions?\s*:`,
	"role-override":       `\b(you are now|from now on you are|act as (an? )?(unrestricted|uncensored|different)|pretend (to be|you are))\b`,
	"reveal-prompt":       `\b(reveal|show|print|repeat|tell me)\b.{0,20}\b(system prompt|your (prompt|instructions|rules))\b`,
	"system-prompt":       `\bsystem prompt\b`,
	"jailbreak":           `\b(jailbreak|developer mode|dan mode|do anything now)\b`,
	"chat-markup":         `(<\|im_start\|>|<\|system\|>|\[/?inst\]|\[system\]|###\s*system)`,
	"ru-ignore":           `(игнорируй|забудь|отмени|не обращай внимания на).{0,25}(инструкци|правил|промпт|указани)`,
	"ru-role-override":    `(ты теперь|с этого момента ты|притворись|представь,? что ты)`,
	"ru-system-prompt":    `(системн\S* промпт|системн\S* инструкци|покажи (свой|свои) (промпт|инструкци))`,
	"ru-jailbreak":        `(джейлбрейк|режим разработчика)`,
}

// CompilePatterns builds the default set plus extra case-insensitive regexes.
func CompilePatterns(extra []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(defaultPatterns)+len(extra))
	for name, expr := range defaultPatterns {
		out = append(out, Pattern{Name: name, re: regexp.MustCompile(`(?i)` + expr)})
	}
	for i, expr := range extra {
		re, err := regexp.Compile(`(?i)` + expr)
		if err != nil {
			return nil, fmt.Errorf("extra pattern %d: %w", i, err)
		}
		out = append(out, Pattern{Name: fmt.Sprintf("extra-%d", i), re: re})
	}
	slices.SortFunc(out, func(a, b Pattern) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// normalize lowercases, drops zero-width and control characters, and folds
// runs of whitespace so spacing tricks do not defeat the patterns.
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			continue
		case unicode.IsSpace(r):
			if !space {
				sb.WriteRune(' ')
			}
			space = true
			continue
		case unicode.IsControl(r):
			continue
		}
		space = false
		sb.WriteRune(r)
	}
	return strings.TrimSpace(sb.String())
}
