package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/delivery"
	"github.com/rcliao/persona-fleet/internal/gate"
	"github.com/rcliao/persona-fleet/internal/memory"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/respond"
	"github.com/rcliao/persona-fleet/internal/security"
	"github.com/rcliao/persona-fleet/internal/store"
)

const (
	// historyKeep bounds the conversation log kept per chat.
	historyKeep = 200

	defaultFlushTimeout = 2 * time.Second
)

// Responder produces a reply decision for a turn.
type Responder interface {
	Respond(ctx context.Context, req respond.Request) (respond.Outcome, error)
}

// Deps are the shared services every account's pipeline uses.
type Deps struct {
	Policies  store.PolicyRepository
	History   store.HistoryRepository
	Gate      *gate.Gate
	Screen    *security.Screen
	Flagged   security.FlaggedPolicy
	Memory    *memory.Service
	Responder Responder
	Planner   *delivery.Planner
	Clock     clock.Clock
	Notifier  Notifier
	Log       *zap.Logger

	// FlushTimeout bounds recording sent replies after the turn was
	// cancelled. Zero uses defaultFlushTimeout.
	FlushTimeout time.Duration
}

// TurnResult is how one inbound event was handled.
type TurnResult struct {
	Outcome model.Outcome
	Detail  string
	Sent    int
}

// Pipeline runs turns for one account: gate, security screen, memory,
// generation, delivery and bookkeeping, in that order.
type Pipeline struct {
	deps    Deps
	account model.Account
	persona *model.Persona
	engine  *delivery.Engine
	stats   *Stats
	log     *zap.Logger
}

// NewPipeline builds the pipeline for account, delivering through sender.
// persona may be nil for the default persona.
func NewPipeline(deps Deps, account model.Account, persona *model.Persona, sender delivery.Sender) *Pipeline {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{Log: deps.Log}
	}
	if deps.Flagged == "" {
		deps.Flagged = security.PolicyDrop
	}
	if deps.FlushTimeout <= 0 {
		deps.FlushTimeout = defaultFlushTimeout
	}
	log := deps.Log.With(zap.Int64("account", account.ID))
	return &Pipeline{
		deps:    deps,
		account: account,
		persona: persona,
		engine:  delivery.NewEngine(sender, deps.Clock, log),
		stats:   newStats(),
		log:     log,
	}
}

// Stats returns the pipeline's outcome counters.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Handle processes one inbound event. Failures are contained in the turn:
// nothing is sent on error and the result carries the outcome.
func (p *Pipeline) Handle(ctx context.Context, ev model.InboundEvent) TurnResult {
	log := p.log.With(
		zap.String("turn", uuid.NewString()),
		zap.Int64("chat", ev.ChatID),
		zap.Int64("sender", ev.SenderID))

	res := p.handle(ctx, log, ev)
	p.stats.record(res.Outcome, p.deps.Clock.Now())
	log.Info("turn finished",
		zap.String("outcome", string(res.Outcome)),
		zap.String("detail", res.Detail),
		zap.Int("sent", res.Sent))
	return res
}

func (p *Pipeline) handle(ctx context.Context, log *zap.Logger, ev model.InboundEvent) TurnResult {
	ev.AccountID = p.account.ID
	policy := p.policy(ctx, log, ev.ChatID)

	// A blocked sender never reaches the gate, so it cannot touch the
	// flood window or the chat cooldown.
	verdict, err := p.deps.Screen.Blocked(ctx, p.account.ID, ev.SenderID)
	if err != nil {
		log.Error("security screen unavailable, dropping turn", zap.Error(err))
		return TurnResult{Outcome: model.OutcomeFlagged, Detail: "security check failed"}
	}
	if verdict.Kind == security.Blocked {
		return blocked(verdict)
	}

	in := gate.Input{Event: ev, Account: p.account, Persona: p.persona, Policy: policy}
	dec := p.deps.Gate.Admit(in)
	if !dec.Accept {
		if dec.Reason == model.OutcomeNotEligible && policy.Enabled {
			p.observe(ctx, log, ev, policy)
		}
		return TurnResult{Outcome: dec.Reason, Detail: dec.Detail}
	}

	verdict, err = p.deps.Screen.Check(ctx, p.account.ID, ev.SenderID, ev.Text)
	if err != nil {
		log.Error("security screen unavailable, dropping turn", zap.Error(err))
		return TurnResult{Outcome: model.OutcomeFlagged, Detail: "security check failed"}
	}
	deflect := false
	switch verdict.Kind {
	case security.Blocked:
		return blocked(verdict)
	case security.Flagged:
		switch p.deps.Flagged {
		case security.PolicyDeflect:
			deflect = true
		case security.PolicyAnswer:
		default:
			return TurnResult{Outcome: model.OutcomeFlagged, Detail: verdict.Pattern}
		}
	}
	p.deps.Gate.Commit(in)

	history, err := p.deps.History.RecentHistory(ctx, p.account.ID, ev.ChatID, policy.ContextDepth)
	if err != nil {
		log.Warn("load history", zap.Error(err))
	}
	p.appendHistory(ctx, log, model.HistoryMessage{
		Role:       model.RoleUser,
		ChatID:     ev.ChatID,
		SenderName: ev.SenderName,
		Text:       ev.Text,
		CreatedAt:  ev.Timestamp,
	})

	useMemory := p.memoryOn(policy)
	var hits []memory.Hit
	if useMemory {
		hits, err = p.deps.Memory.Retrieve(ctx, p.account.ID, ev.ChatID, ev.Text, 0)
		if err != nil {
			p.memoryDegraded(log, "retrieve", err)
		}
		if err := p.deps.Memory.Store(ctx, p.account.ID, ev.ChatID, ev.Text); err != nil {
			p.memoryDegraded(log, "store inbound", err)
		}
	}

	out, err := p.deps.Responder.Respond(ctx, respond.Request{
		Account:  p.account,
		Persona:  p.persona,
		Policy:   policy,
		Event:    ev,
		History:  history,
		Memories: hits,
		Deflect:  deflect,
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return TurnResult{Outcome: model.OutcomeSuppressed, Detail: "cancelled"}
	case errors.Is(err, respond.ErrGenerationTimeout):
		log.Warn("generation timed out", zap.Error(err))
		return TurnResult{Outcome: model.OutcomeGenerationTimeout, Detail: err.Error()}
	default:
		log.Error("generation failed", zap.Error(err))
		p.deps.Notifier.Notify(ctx, p.account.ID, fmt.Sprintf("generation failed in chat %d: %v", ev.ChatID, err))
		return TurnResult{Outcome: model.OutcomeGenerationFailed, Detail: err.Error()}
	}
	if out.Suppress {
		return TurnResult{Outcome: model.OutcomeSuppressed, Detail: "model chose not to answer"}
	}

	plan := p.deps.Planner.Plan(p.account, ev, out.Chunks)
	rep := p.engine.Deliver(ctx, ev, plan)
	p.recordReplies(ctx, log, ev.ChatID, rep.Delivered, useMemory)

	res := TurnResult{Outcome: model.OutcomeDelivered, Sent: rep.Sent}
	switch {
	case rep.Failed > 0:
		res.Outcome = model.OutcomeDeliveryFailed
		res.Detail = errors.Join(rep.Errors...).Error()
	case rep.Cancelled && rep.Sent == 0:
		res.Outcome = model.OutcomeSuppressed
		res.Detail = "cancelled"
	case rep.Cancelled:
		res.Detail = "cancelled"
	}
	return res
}

// recordReplies logs the chunks that were actually sent. History is written
// even when the worker is stopping; that bookkeeping is bounded by
// FlushTimeout and summarization is skipped.
func (p *Pipeline) recordReplies(ctx context.Context, log *zap.Logger, chatID int64, delivered []string, useMemory bool) {
	if len(delivered) == 0 {
		return
	}
	flush, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deps.FlushTimeout)
	defer cancel()
	stopping := ctx.Err() != nil
	memCtx := ctx
	if stopping {
		memCtx = flush
	}

	now := p.deps.Clock.Now()
	for _, text := range delivered {
		p.appendHistory(flush, log, model.HistoryMessage{
			Role:       model.RoleAssistant,
			ChatID:     chatID,
			SenderName: p.selfName(),
			Text:       text,
			CreatedAt:  now,
		})
		if useMemory {
			if err := p.deps.Memory.Store(memCtx, p.account.ID, chatID, text); err != nil {
				p.memoryDegraded(log, "store reply", err)
			}
		}
	}
	if err := p.deps.History.PruneHistory(flush, p.account.ID, chatID, historyKeep); err != nil {
		log.Warn("prune history", zap.Error(err))
	}
	if useMemory && !stopping {
		if _, err := p.deps.Memory.MaybeSummarize(ctx, p.account.ID, chatID); err != nil {
			p.memoryDegraded(log, "summarize", err)
		}
	}
}

// observe records a message the account saw but does not answer, so later
// prompts and recall still have the conversation around it.
func (p *Pipeline) observe(ctx context.Context, log *zap.Logger, ev model.InboundEvent, policy model.ChatPolicy) {
	p.appendHistory(ctx, log, model.HistoryMessage{
		Role:       model.RoleUser,
		ChatID:     ev.ChatID,
		SenderName: ev.SenderName,
		Text:       ev.Text,
		CreatedAt:  ev.Timestamp,
	})
	if err := p.deps.History.PruneHistory(ctx, p.account.ID, ev.ChatID, historyKeep); err != nil {
		log.Warn("prune history", zap.Error(err))
	}
	if p.memoryOn(policy) {
		if err := p.deps.Memory.Store(ctx, p.account.ID, ev.ChatID, ev.Text); err != nil {
			p.memoryDegraded(log, "store unanswered", err)
		}
	}
}

func (p *Pipeline) memoryOn(policy model.ChatPolicy) bool {
	return policy.MemoryEnabled && p.deps.Memory != nil && p.deps.Memory.Enabled()
}

func blocked(v security.Verdict) TurnResult {
	return TurnResult{Outcome: model.OutcomeBlocked, Detail: fmt.Sprintf("blocked until %s", v.Until.Format("2006-01-02 15:04:05"))}
}

func (p *Pipeline) policy(ctx context.Context, log *zap.Logger, chatID int64) model.ChatPolicy {
	pol, err := p.deps.Policies.GetChatPolicy(ctx, p.account.ID, chatID)
	if err == nil {
		return *pol
	}
	if !errors.Is(err, store.ErrNotFound) {
		log.Warn("load chat policy, using defaults", zap.Error(err))
	}
	return model.DefaultChatPolicy(p.account.ID, chatID)
}

func (p *Pipeline) appendHistory(ctx context.Context, log *zap.Logger, m model.HistoryMessage) {
	m.AccountID = p.account.ID
	if err := p.deps.History.AppendHistory(ctx, m); err != nil {
		log.Warn("append history", zap.String("role", string(m.Role)), zap.Error(err))
	}
}

func (p *Pipeline) memoryDegraded(log *zap.Logger, op string, err error) {
	p.stats.recordDegraded()
	log.Warn("memory degraded", zap.String("op", op), zap.Error(err))
}

func (p *Pipeline) selfName() string {
	if p.persona != nil && p.persona.DisplayName != "" {
		return p.persona.DisplayName
	}
	return p.account.Name
}
