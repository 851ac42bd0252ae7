// Package memory implements semantic conversation memory: embedding-indexed
// retrieval with recency decay, bounded storage and span summarization.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/embedding"
	"github.com/rcliao/persona-fleet/internal/llm"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/store"
)

// ErrDegraded wraps embedding and storage failures. Memory is best-effort:
// callers log it and carry on without memory.
var ErrDegraded = errors.New("memory degraded")

// Hit is one retrieved record and its score.
type Hit struct {
	Record model.MemoryRecord
	Score  float64
}

// Service owns retrieval, storage and summarization for all accounts.
type Service struct {
	repo     store.MemoryRepository
	embedder embedding.Embedder
	llm      llm.Completer
	clock    clock.Clock
	cfg      config.MemoryConfig
	log      *zap.Logger
}

// NewService creates a memory service. A nil embedder disables memory; a
// nil completer disables summarization.
func NewService(repo store.MemoryRepository, emb embedding.Embedder, completer llm.Completer, clk clock.Clock, cfg config.MemoryConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, embedder: emb, llm: completer, clock: clk, cfg: cfg, log: log.Named("memory")}
}

// Enabled reports whether an embedder is configured.
func (s *Service) Enabled() bool { return s.embedder != nil }

// Retrieve returns up to k records of the chat most relevant to query,
// best first, ties broken newest first. k <= 0 uses the configured top_k.
func (s *Service) Retrieve(ctx context.Context, accountID, chatID int64, query string, k int) ([]Hit, error) {
	if s.embedder == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = s.cfg.TopK
	}

	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrDegraded, err)
	}
	recs, err := s.repo.ListMemories(ctx, accountID, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: list memories: %v", ErrDegraded, err)
	}

	return rank(qv, recs, s.clock.Now(), s.cfg.DecayRate, k), nil
}

// rank scores recs against query and keeps the best k.
func rank(query []float32, recs []model.MemoryRecord, now time.Time, decayRate float64, k int) []Hit {
	hits := make([]Hit, 0, len(recs))
	for _, r := range recs {
		age := now.Sub(r.CreatedAt)
		score, ok := Score(query, r.Embedding, age, decayRate)
		if !ok {
			continue
		}
		r.Importance = Decay(age, decayRate)
		hits = append(hits, Hit{Record: r, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.CreatedAt.After(hits[j].Record.CreatedAt)
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Store embeds and persists text when it is long enough, evicting the
// oldest records of the chat above the ceiling. Returned errors wrap
// ErrDegraded and must not fail the turn.
func (s *Service) Store(ctx context.Context, accountID, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if s.embedder == nil || utf8.RuneCountInString(text) < s.cfg.MinLength {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.log.Warn("embed for store failed", zap.Int64("account", accountID), zap.Int64("chat", chatID), zap.Error(err))
		return fmt.Errorf("%w: embed: %v", ErrDegraded, err)
	}

	_, evicted, err := s.repo.InsertMemory(ctx, store.InsertMemoryParams{
		AccountID: accountID,
		ChatID:    chatID,
		Kind:      model.KindMessage,
		Text:      text,
		Embedding: vec,
		CreatedAt: s.clock.Now(),
		Ceiling:   s.cfg.Ceiling,
	})
	if err != nil {
		s.log.Warn("store memory failed", zap.Int64("account", accountID), zap.Int64("chat", chatID), zap.Error(err))
		return fmt.Errorf("%w: insert: %v", ErrDegraded, err)
	}
	if evicted > 0 {
		s.log.Debug("evicted memories", zap.Int64("account", accountID), zap.Int64("chat", chatID), zap.Int("count", evicted))
	}
	return nil
}

const summaryPrompt = `Summarize the following chat messages in a few sentences. Keep names, facts, plans and preferences. Write in the language of the messages. Reply with the summary only.

%s
Summary:`

// MaybeSummarize collapses the oldest span of message records into one
// summary record once more than the threshold have accumulated since the
// last summary. It reports whether a summary was written.
func (s *Service) MaybeSummarize(ctx context.Context, accountID, chatID int64) (bool, error) {
	if s.embedder == nil || s.llm == nil {
		return false, nil
	}
	n, err := s.repo.CountSinceSummary(ctx, accountID, chatID)
	if err != nil {
		return false, fmt.Errorf("count since summary: %w", err)
	}
	if n <= s.cfg.SummaryThreshold {
		return false, nil
	}

	span, err := s.repo.OldestMessages(ctx, accountID, chatID, s.cfg.SummarySpan)
	if err != nil {
		return false, fmt.Errorf("oldest messages: %w", err)
	}
	if len(span) == 0 {
		return false, nil
	}

	var sb strings.Builder
	ids := make([]string, len(span))
	for i, r := range span {
		ids[i] = r.ID
		fmt.Fprintf(&sb, "- %s\n", r.Text)
	}

	text, err := s.llm.Complete(ctx, fmt.Sprintf(summaryPrompt, sb.String()))
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false, errors.New("summarize: empty summary")
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return false, fmt.Errorf("embed summary: %w", err)
	}

	start, end := span[0].CreatedAt, span[len(span)-1].CreatedAt
	_, err = s.repo.ReplaceWithSummary(ctx, store.SummaryParams{
		AccountID:   accountID,
		ChatID:      chatID,
		Text:        text,
		Embedding:   vec,
		CreatedAt:   end,
		ReplacedIDs: ids,
		SpanStart:   start,
		SpanEnd:     end,
	})
	if err != nil {
		return false, fmt.Errorf("replace with summary: %w", err)
	}

	s.log.Info("summarized memories",
		zap.Int64("account", accountID),
		zap.Int64("chat", chatID),
		zap.Int("replaced", len(ids)))
	return true, nil
}

// Format renders hits as the labeled prompt block body.
func Format(hits []Hit) string {
	var sb strings.Builder
	for _, h := range hits {
		prefix := "-"
		if h.Record.Kind == model.KindSummary {
			prefix = "- (summary)"
		}
		fmt.Fprintf(&sb, "%s %s\n", prefix, h.Record.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}
