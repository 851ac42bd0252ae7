package respond

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/llm"
)

// SearchDecider decides whether a message needs fresh web information and
// returns the query to run.
type SearchDecider interface {
	Decide(ctx context.Context, text string) (query string, ok bool)
}

// searchKeywords suggest a message asks for current information.
var searchKeywords = []string{
	"weather", "news", "price", "today", "right now", "latest", "current",
	"what is", "who is", "how to", "how much", "how many", "where", "when", "why",
	"search", "find", "google",
	"погода", "новости", "курс", "цена", "стоимость", "сегодня", "сейчас",
	"последний", "что такое", "кто такой", "сколько", "найди", "найти", "загугли", "актуальн",
}

// HeuristicDecider searches with the message text itself when it contains
// a current-information keyword.
type HeuristicDecider struct{}

func (HeuristicDecider) Decide(ctx context.Context, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range searchKeywords {
		if strings.Contains(lower, kw) {
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}

const searchProbe = `Decide if this message needs an internet search for current facts, news or real-time information.

Message: %q

If a search is needed, reply ONLY with: SEARCH: <query>
If not, reply ONLY with: NO

Examples:
- "what's the weather today?" -> SEARCH: weather today
- "who won the game yesterday?" -> SEARCH: game results yesterday
- "hey how are you?" -> NO
- "сколько стоит биткоин?" -> SEARCH: bitcoin price

Your response:`

// ModelDecider asks the model whether to search. Failures mean no search.
type ModelDecider struct {
	LLM llm.Completer
	Log *zap.Logger
}

func (d ModelDecider) Decide(ctx context.Context, text string) (string, bool) {
	out, err := d.LLM.Complete(ctx, fmt.Sprintf(searchProbe, text))
	if err != nil {
		if d.Log != nil {
			d.Log.Warn("search probe failed", zap.Error(err))
		}
		return "", false
	}
	return parseProbe(out)
}

func parseProbe(out string) (string, bool) {
	out = strings.TrimSpace(out)
	if len(out) < len("SEARCH:") || !strings.EqualFold(out[:len("SEARCH:")], "SEARCH:") {
		return "", false
	}
	q := strings.TrimSpace(out[len("SEARCH:"):])
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		q = strings.TrimSpace(q[:i])
	}
	return q, q != ""
}

// NewSearchDecider maps a search mode to a decider; "off" yields nil.
func NewSearchDecider(mode string, completer llm.Completer, log *zap.Logger) (SearchDecider, error) {
	switch mode {
	case "off":
		return nil, nil
	case "", "heuristic":
		return HeuristicDecider{}, nil
	case "model":
		return ModelDecider{LLM: completer, Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}
