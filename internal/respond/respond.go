// Package respond turns a conversation turn into a reply decision: it
// assembles the prompt, consults web search when enabled, calls the model
// through the shared limiter and parses the completion into chunks.
package respond

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/llm"
	"github.com/rcliao/persona-fleet/internal/memory"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/search"
)

var (
	// ErrGenerationTimeout means the model call timed out waiting for a
	// slot or while running. The turn is suppressed and not retried.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrGenerationFailed means the model call returned an error.
	ErrGenerationFailed = errors.New("generation failed")
)

// Request is one turn's input to Respond.
type Request struct {
	Account  model.Account
	Persona  *model.Persona
	Policy   model.ChatPolicy
	Event    model.InboundEvent
	History  []model.HistoryMessage
	Memories []memory.Hit
	Deflect  bool
}

// Outcome is Respond's result. SearchQuery is set when a search ran.
type Outcome struct {
	Decision
	SearchQuery string
	Took        time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	SearchResults int
	MaxMessageLen int
}

// Orchestrator produces reply decisions. It is shared by all workers.
type Orchestrator struct {
	llm      llm.Completer
	searcher search.Searcher
	decider  SearchDecider
	opts     Options
	log      *zap.Logger
}

// NewOrchestrator creates an orchestrator. completer should be the shared
// llm.Limiter. searcher and decider may be nil to disable web search.
func NewOrchestrator(completer llm.Completer, searcher search.Searcher, decider SearchDecider, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SearchResults <= 0 {
		opts.SearchResults = 3
	}
	return &Orchestrator{llm: completer, searcher: searcher, decider: decider, opts: opts, log: log.Named("respond")}
}

// Respond runs one generation. On any model failure it returns a
// suppressing Outcome together with ErrGenerationTimeout or
// ErrGenerationFailed; a cancelled ctx returns ctx.Err().
func (o *Orchestrator) Respond(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	log := o.log.With(zap.Int64("account", req.Account.ID), zap.Int64("chat", req.Event.ChatID))

	persona := DefaultPersona
	if req.Persona != nil {
		persona = *req.Persona
	}

	var out Outcome
	in := PromptInput{
		Persona:      persona,
		SelfName:     req.Account.Name,
		History:      req.History,
		ContextDepth: req.Policy.ContextDepth,
		Memories:     memory.Format(req.Memories),
		Current:      req.Event,
		Deflect:      req.Deflect,
	}

	if req.Policy.WebSearch && o.searcher != nil && o.decider != nil {
		if q, ok := o.decider.Decide(ctx, req.Event.Text); ok {
			out.SearchQuery = q
			results, err := o.searcher.Search(ctx, q, o.opts.SearchResults)
			if err != nil {
				log.Warn("web search failed", zap.String("query", q), zap.Error(err))
			} else {
				in.WebResults = search.Format(results)
				log.Debug("web search", zap.String("query", q), zap.Int("results", len(results)))
			}
		}
	}

	raw, err := o.llm.Complete(ctx, BuildPrompt(in))
	out.Took = time.Since(start)
	if err != nil {
		out.Decision = Decision{Suppress: true}
		switch {
		case ctx.Err() != nil:
			return out, ctx.Err()
		case errors.Is(err, llm.ErrQueueTimeout), errors.Is(err, context.DeadlineExceeded):
			return out, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
		default:
			return out, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
	}

	selfNames := []string{req.Account.Name, persona.DisplayName}
	out.Decision = ParseCompletion(raw, ParseOptions{MaxLen: o.opts.MaxMessageLen, SelfNames: selfNames})
	log.Debug("completion parsed",
		zap.Bool("suppress", out.Suppress),
		zap.Int("chunks", len(out.Chunks)),
		zap.Duration("took", out.Took))
	return out, nil
}
