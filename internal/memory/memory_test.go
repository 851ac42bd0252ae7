package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/embedding"
	"github.com/rcliao/persona-fleet/internal/llm"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/store"
)

var t0 = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

// topicEmbedder maps text to a 3-d vector by keyword so similarity is predictable.
type topicEmbedder struct {
	fail bool
}

func (e *topicEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if e.fail {
		return nil, errors.New("embedding service down")
	}
	lower := strings.ToLower(text)
	v := embedding.Vector{0.01, 0.01, 0.01}
	if strings.Contains(lower, "pizza") {
		v[0] = 1
	}
	if strings.Contains(lower, "movie") {
		v[1] = 1
	}
	if strings.Contains(lower, "zero") {
		return embedding.Vector{0, 0, 0}, nil
	}
	return v, nil
}

func (e *topicEmbedder) Dims() int { return 3 }

func testConfig() config.MemoryConfig {
	return config.MemoryConfig{TopK: 3, MinLength: 10, Ceiling: 1000, DecayRate: 0.1, SummaryThreshold: 50, SummarySpan: 50}
}

func newTestService(t *testing.T, cfg config.MemoryConfig, emb embedding.Embedder, c llm.Completer) (*Service, *store.SQLiteStore, *clock.Fake, int64) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	acct, err := s.PutAccount(context.Background(), store.PutAccountParams{Name: "bot", Humanization: model.DefaultHumanization()})
	require.NoError(t, err)
	clk := clock.NewFake(t0)
	return NewService(s, emb, c, clk, cfg, zap.NewNop()), s, clk, acct.ID
}

func TestScore(t *testing.T) {
	q := []float32{1, 0}
	tests := []struct {
		name   string
		vec    []float32
		age    time.Duration
		want   float64
		wantOK bool
	}{
		{"identical fresh", []float32{2, 0}, 0, 1, true},
		{"orthogonal", []float32{0, 1}, 0, 0, true},
		{"one day decay", []float32{1, 0}, 24 * time.Hour, math.Exp(-0.1), true},
		{"ten days decay", []float32{1, 0}, 240 * time.Hour, math.Exp(-1), true},
		{"future clamps to fresh", []float32{1, 0}, -time.Hour, 1, true},
		{"missing", nil, 0, 0, false},
		{"zero norm", []float32{0, 0}, 0, 0, false},
		{"dimension mismatch", []float32{1, 0, 0}, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Score(q, tt.vec, tt.age, 0.1)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, ok := Score([]float32{0, 0}, []float32{1, 0}, 0, 0.1)
	assert.False(t, ok, "zero-norm query")
}

func TestRankTiesPreferNewer(t *testing.T) {
	now := t0
	recs := []model.MemoryRecord{
		{ID: "a", Text: "old", Embedding: []float32{1, 0}, CreatedAt: now},
		{ID: "b", Text: "new", Embedding: []float32{1, 0}, CreatedAt: now},
		{ID: "c", Text: "zero", Embedding: []float32{0, 0}, CreatedAt: now},
	}
	recs[1].CreatedAt = now.Add(time.Nanosecond)

	hits := rank([]float32{1, 0}, recs, now.Add(time.Nanosecond), 0, 5)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].Record.ID)
	assert.Equal(t, "a", hits[1].Record.ID)
}

func TestRankImportanceIsDecayOnly(t *testing.T) {
	now := t0.Add(48 * time.Hour)
	recs := []model.MemoryRecord{
		{ID: "a", Embedding: []float32{1, 1}, CreatedAt: t0},
	}

	hits := rank([]float32{1, 0}, recs, now, 0.1, 1)
	require.Len(t, hits, 1)
	want := math.Exp(-0.2)
	assert.InDelta(t, want, hits[0].Record.Importance, 1e-9)
	assert.InDelta(t, want/math.Sqrt2, hits[0].Score, 1e-6, "score also carries the cosine")
}

func TestRetrieveTopK(t *testing.T) {
	ctx := context.Background()
	svc, _, clk, acct := newTestService(t, testConfig(), &topicEmbedder{}, nil)

	texts := []string{
		"we ordered pizza last friday",
		"that movie was really long",
		"pizza and a movie tonight?",
		"the weather is nice outside",
		"zero vector text goes here",
		"another pizza place opened",
	}
	for _, text := range texts {
		require.NoError(t, svc.Store(ctx, acct, 1, text))
		clk.Advance(time.Hour)
	}

	hits, err := svc.Retrieve(ctx, acct, 1, "any pizza ideas?", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.NotZero(t, embedding.Norm(h.Record.Embedding))
	}
	// Equal similarity; decay ranks the newer pizza memory first.
	assert.Equal(t, "another pizza place opened", hits[0].Record.Text)
	assert.Equal(t, "we ordered pizza last friday", hits[1].Record.Text)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}

	hits, err = svc.Retrieve(ctx, acct, 1, "pizza", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 3)

	hits, err = svc.Retrieve(ctx, acct, 2, "pizza", 3)
	require.NoError(t, err)
	assert.Empty(t, hits, "other chat")
}

func TestRetrieveNeverReturnsZeroNorm(t *testing.T) {
	ctx := context.Background()
	svc, _, _, acct := newTestService(t, testConfig(), &topicEmbedder{}, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Store(ctx, acct, 1, fmt.Sprintf("zero entry number %d", i)))
	}
	hits, err := svc.Retrieve(ctx, acct, 1, "pizza", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieveDegradesOnEmbedFailure(t *testing.T) {
	ctx := context.Background()
	emb := &topicEmbedder{}
	svc, _, _, acct := newTestService(t, testConfig(), emb, nil)
	require.NoError(t, svc.Store(ctx, acct, 1, "pizza pizza pizza"))

	emb.fail = true
	hits, err := svc.Retrieve(ctx, acct, 1, "pizza", 3)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Empty(t, hits)

	assert.ErrorIs(t, svc.Store(ctx, acct, 1, "pizza again tonight"), ErrDegraded)
}

func TestStoreMinLengthAndCeiling(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ceiling = 4
	svc, s, clk, acct := newTestService(t, cfg, &topicEmbedder{}, nil)

	require.NoError(t, svc.Store(ctx, acct, 1, "  ok lol  "))
	require.NoError(t, svc.Store(ctx, acct, 1, "привет!!!"))
	recs, err := s.ListMemories(ctx, acct, 1)
	require.NoError(t, err)
	assert.Empty(t, recs, "texts under 10 runes are skipped")

	for i := 0; i < 10; i++ {
		require.NoError(t, svc.Store(ctx, acct, 1, fmt.Sprintf("long enough message %d", i)))
		clk.Advance(time.Minute)
		recs, err := s.ListMemories(ctx, acct, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(recs), cfg.Ceiling)
	}
}

func TestMaybeSummarize(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SummaryThreshold = 5
	cfg.SummarySpan = 4

	var prompts []string
	completer := llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "  They talked about pizza.  ", nil
	})
	svc, s, clk, acct := newTestService(t, cfg, &topicEmbedder{}, completer)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Store(ctx, acct, 1, fmt.Sprintf("pizza message %d", i)))
		clk.Advance(time.Minute)
	}
	done, err := svc.MaybeSummarize(ctx, acct, 1)
	require.NoError(t, err)
	assert.False(t, done, "threshold not exceeded")

	require.NoError(t, svc.Store(ctx, acct, 1, "pizza message 5"))
	done, err = svc.MaybeSummarize(ctx, acct, 1)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "- pizza message 0\n")
	assert.NotContains(t, prompts[0], "pizza message 4")

	recs, err := s.ListMemories(ctx, acct, 1)
	require.NoError(t, err)
	var kinds []model.RecordKind
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	want := []model.RecordKind{model.KindMessage, model.KindMessage, model.KindSummary}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("record kinds mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "They talked about pizza.", recs[2].Text)

	done, err = svc.MaybeSummarize(ctx, acct, 1)
	require.NoError(t, err)
	assert.False(t, done, "only two messages since the summary")
}

func TestMaybeSummarizeLLMFailureKeepsRecords(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SummaryThreshold = 1
	completer := llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", llm.ErrQueueTimeout
	})
	svc, s, _, acct := newTestService(t, cfg, &topicEmbedder{}, completer)

	require.NoError(t, svc.Store(ctx, acct, 1, "first pizza message"))
	require.NoError(t, svc.Store(ctx, acct, 1, "second pizza message"))

	_, err := svc.MaybeSummarize(ctx, acct, 1)
	assert.ErrorIs(t, err, llm.ErrQueueTimeout)
	recs, _ := s.ListMemories(ctx, acct, 1)
	assert.Len(t, recs, 2)
}

func TestDisabledWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	svc, s, _, acct := newTestService(t, testConfig(), nil, nil)
	assert.False(t, svc.Enabled())
	require.NoError(t, svc.Store(ctx, acct, 1, "this would be stored"))
	recs, _ := s.ListMemories(ctx, acct, 1)
	assert.Empty(t, recs)
	hits, err := svc.Retrieve(ctx, acct, 1, "stored", 3)
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFormat(t *testing.T) {
	out := Format([]Hit{
		{Record: model.MemoryRecord{Text: "likes pizza"}},
		{Record: model.MemoryRecord{Kind: model.KindSummary, Text: "talked about movies"}},
	})
	assert.Equal(t, "- likes pizza\n- (summary) talked about movies", out)
}
