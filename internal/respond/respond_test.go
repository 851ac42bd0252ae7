package respond

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/llm"
	"github.com/rcliao/persona-fleet/internal/memory"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/search"
)

func TestParseCompletion(t *testing.T) {
	opts := ParseOptions{MaxLen: 4096, SelfNames: []string{"Sam"}}
	tests := []struct {
		name string
		raw  string
		want Decision
	}{
		{"ignore marker alone", "[IGNORE]", Decision{Suppress: true}},
		{"ignore marker padded", "  [ignore]\n", Decision{Suppress: true}},
		{"empty", "   ", Decision{Suppress: true}},
		{"three chunks", "ok||sure||see you", Decision{Chunks: []string{"ok", "sure", "see you"}}},
		{"trims and drops empties", " hey || ||  what's up ||", Decision{Chunks: []string{"hey", "what's up"}}},
		{"embedded marker stripped", "lol [IGNORE]||nice", Decision{Chunks: []string{"lol", "nice"}}},
		{"only markers", "[IGNORE]||[IGNORE]", Decision{Suppress: true}},
		{"speaker label", "Sam: haha yeah", Decision{Chunks: []string{"haha yeah"}}},
		{"filler opener", "Sure, I'll be there", Decision{Chunks: []string{"I'll be there"}}},
		{"single plain", "see you tomorrow", Decision{Chunks: []string{"see you tomorrow"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCompletion(tt.raw, opts)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCompletion(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestParseCompletionSplitsLongChunks(t *testing.T) {
	long := strings.Repeat("word ", 50)
	got := ParseCompletion("short||"+long, ParseOptions{MaxLen: 60})
	require.False(t, got.Suppress)
	assert.Equal(t, "short", got.Chunks[0])
	assert.Greater(t, len(got.Chunks), 3)
	for _, c := range got.Chunks {
		assert.LessOrEqual(t, len([]rune(c)), 60)
	}
}

func TestBuildPrompt(t *testing.T) {
	history := []model.HistoryMessage{
		{Role: model.RoleUser, SenderName: "Ann", Text: "first"},
		{Role: model.RoleAssistant, Text: "second"},
		{Role: model.RoleUser, SenderName: "Ann", Text: "third"},
	}
	in := PromptInput{
		Persona:      model.Persona{Name: "sam", DisplayName: "Sam", Rules: "You love hiking.", Examples: []string{"lol same"}},
		SelfName:     "sam_bot",
		History:      history,
		ContextDepth: 2,
		Memories:     "- Ann likes pizza",
		WebResults:   "1. Weather: sunny",
		Current:      model.InboundEvent{SenderName: "Ann", Text: "what's up?", Kind: model.ContentVoice, MediaContext: "transcript: hello"},
	}

	p := BuildPrompt(in)
	assert.Equal(t, p, BuildPrompt(in), "pure")

	for _, want := range []string{
		"Your name is Sam.",
		"You love hiking.",
		"- lol same",
		ChunkSeparator,
		IgnoreMarker,
		"### Memories\n- Ann likes pizza",
		"### Web results\n1. Weather: sunny",
		"### Media\nThe last message contains a voice message: transcript: hello",
		"Sam: second\nAnn: third\nAnn: what's up?\nSam:",
	} {
		assert.Contains(t, p, want)
	}
	assert.NotContains(t, p, "Ann: first", "context depth limits history")
	assert.NotContains(t, p, "manipulate")
	assert.True(t, strings.HasSuffix(p, "Sam:"))

	in.Deflect = true
	in.Memories = ""
	in.WebResults = ""
	in.Current.MediaContext = ""
	p = BuildPrompt(in)
	assert.Contains(t, p, "manipulate")
	assert.NotContains(t, p, "### Memories")
	assert.NotContains(t, p, "### Web results")
	assert.NotContains(t, p, "### Media")
}

func TestHeuristicDecider(t *testing.T) {
	d := HeuristicDecider{}
	q, ok := d.Decide(context.Background(), "  what's the weather in Oslo? ")
	assert.True(t, ok)
	assert.Equal(t, "what's the weather in Oslo?", q)

	_, ok = d.Decide(context.Background(), "Какая сегодня погода?")
	assert.True(t, ok)

	_, ok = d.Decide(context.Background(), "haha nice one")
	assert.False(t, ok)
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		out    string
		want   string
		wantOK bool
	}{
		{"SEARCH: bitcoin price", "bitcoin price", true},
		{"  search:   weather today\nbecause...", "weather today", true},
		{"NO", "", false},
		{"SEARCH:", "", false},
		{"maybe", "", false},
	}
	for _, tt := range tests {
		q, ok := parseProbe(tt.out)
		assert.Equal(t, tt.wantOK, ok, tt.out)
		assert.Equal(t, tt.want, q, tt.out)
	}
}

func TestNewSearchDecider(t *testing.T) {
	d, err := NewSearchDecider("off", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, d)
	d, err = NewSearchDecider("model", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, ModelDecider{}, d)
	_, err = NewSearchDecider("psychic", nil, nil)
	assert.Error(t, err)
}

type fakeSearcher struct {
	queries []string
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return []search.Result{{Title: "BTC", Snippet: "one dollar"}}, nil
}

func testRequest() Request {
	policy := model.DefaultChatPolicy(1, 10)
	return Request{
		Account: model.Account{ID: 1, Name: "sam_bot"},
		Policy:  policy,
		Event:   model.InboundEvent{AccountID: 1, ChatID: 10, SenderName: "Ann", Text: "how much is bitcoin today?"},
		Memories: []memory.Hit{
			{Record: model.MemoryRecord{Text: "Ann owns a bike shop"}},
		},
	}
}

func TestRespond(t *testing.T) {
	var prompt string
	completer := llm.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		prompt = p
		return "ok||sure||see you", nil
	})
	o := NewOrchestrator(completer, nil, nil, Options{MaxMessageLen: 4096}, zap.NewNop())

	out, err := o.Respond(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "sure", "see you"}, out.Chunks)
	assert.False(t, out.Suppress)
	assert.Contains(t, prompt, "Ann owns a bike shop")
	assert.Contains(t, prompt, DefaultPersona.Rules)
	assert.Empty(t, out.SearchQuery)
}

func TestRespondIgnore(t *testing.T) {
	completer := llm.CompleterFunc(func(ctx context.Context, p string) (string, error) { return IgnoreMarker, nil })
	o := NewOrchestrator(completer, nil, nil, Options{}, nil)
	out, err := o.Respond(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, out.Suppress)
	assert.Empty(t, out.Chunks)
}

func TestRespondWebSearch(t *testing.T) {
	var prompt string
	completer := llm.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		prompt = p
		return "about a dollar lol", nil
	})
	s := &fakeSearcher{}
	o := NewOrchestrator(completer, s, HeuristicDecider{}, Options{}, nil)

	req := testRequest()
	out, err := o.Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, s.queries, "search disabled for the chat")
	assert.NotContains(t, prompt, "### Web results")

	req.Policy.WebSearch = true
	out, err = o.Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"how much is bitcoin today?"}, s.queries)
	assert.Equal(t, "how much is bitcoin today?", out.SearchQuery)
	assert.Contains(t, prompt, "### Web results\n1. BTC: one dollar")

	s.err = errors.New("rate limited")
	out, err = o.Respond(context.Background(), req)
	require.NoError(t, err, "search failures are ignored")
	assert.NotContains(t, prompt, "### Web results")
	assert.Equal(t, []string{"about a dollar lol"}, out.Chunks)
}

func TestRespondErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"queue timeout", llm.ErrQueueTimeout, ErrGenerationTimeout},
		{"call timeout", fmt.Errorf("ollama generate: %w", context.DeadlineExceeded), ErrGenerationTimeout},
		{"backend error", errors.New("status 500"), ErrGenerationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := llm.CompleterFunc(func(ctx context.Context, p string) (string, error) { return "", tt.err })
			o := NewOrchestrator(completer, nil, nil, Options{}, nil)
			out, err := o.Respond(context.Background(), testRequest())
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, out.Suppress)
		})
	}
}

func TestRespondCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	completer := llm.CompleterFunc(func(c context.Context, p string) (string, error) {
		cancel()
		return "", c.Err()
	})
	o := NewOrchestrator(completer, nil, nil, Options{}, nil)
	out, err := o.Respond(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.Suppress)
}

func TestRespondThroughLimiterTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	inner := llm.CompleterFunc(func(ctx context.Context, p string) (string, error) {
		<-block
		return "late", nil
	})
	lim := llm.NewLimiter(inner, 1, 10*time.Millisecond, time.Second, nil)
	go lim.Complete(context.Background(), "hog the slot")
	require.Eventually(t, func() bool { return lim.InFlight() == 1 }, time.Second, time.Millisecond)

	o := NewOrchestrator(lim, nil, nil, Options{}, nil)
	out, err := o.Respond(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.True(t, out.Suppress)
}
