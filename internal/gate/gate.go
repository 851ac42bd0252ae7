// Package gate decides whether an inbound event starts a turn at all.
package gate

import (
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/model"
)

// Decision is the result of Admit. Reason is set when Accept is false.
type Decision struct {
	Accept bool
	Reason model.Outcome
	Detail string
}

func accept(detail string) Decision { return Decision{Accept: true, Detail: detail} }

func reject(reason model.Outcome, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Input is everything Admit needs about one event.
type Input struct {
	Event   model.InboundEvent
	Account model.Account
	Persona *model.Persona
	Policy  model.ChatPolicy
}

// Gate applies staleness, eligibility, chat cooldown and flood control, in
// that order. The rate and cooldown maps are shared and mutex-guarded.
type Gate struct {
	rate     *RateLimiter
	cooldown *Cooldown
	clock    clock.Clock
	log      *zap.Logger

	// Rand returns a value in [0,1) for probability rolls.
	Rand func() float64
}

func New(rate *RateLimiter, cooldown *Cooldown, clk clock.Clock, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{rate: rate, cooldown: cooldown, clock: clk, log: log.Named("gate"), Rand: rand.Float64}
}

// Admit accepts or rejects an event. A sender's flood timestamp is recorded
// whenever the flood check passes, so later pipeline rejections still count.
// Admit does not start the chat cooldown; call Commit once the turn is
// going ahead.
func (g *Gate) Admit(in Input) Decision {
	now := g.clock.Now()
	ev := in.Event
	h := in.Account.Humanization

	if h.IgnoreOlderThan > 0 && now.Sub(ev.Timestamp) > h.IgnoreOlderThan {
		return reject(model.OutcomeStale, "message too old")
	}

	if d := g.eligible(in); !d.Accept {
		return d
	}

	if g.cooldown.Active(ev.AccountID, ev.ChatID, in.Policy.Cooldown, now) {
		return reject(model.OutcomeRateLimited, "chat cooldown")
	}

	if !g.rate.Allow(ev.AccountID, ev.SenderID, now) {
		g.log.Info("flood control", zap.Int64("account", ev.AccountID), zap.Int64("sender", ev.SenderID))
		return reject(model.OutcomeRateLimited, "flood control")
	}

	return accept("")
}

// Commit starts the chat cooldown for an admitted event that passed the
// security screen.
func (g *Gate) Commit(in Input) {
	g.cooldown.Mark(in.Event.AccountID, in.Event.ChatID, g.clock.Now())
}

func (g *Gate) eligible(in Input) Decision {
	ev := in.Event
	h := in.Account.Humanization

	if !in.Policy.Enabled {
		return reject(model.OutcomeNotEligible, "chat disabled")
	}

	if ev.Private {
		if h.AlwaysRespondInPM {
			return accept("private")
		}
		return g.roll(h.ResponseProbability, "private")
	}

	switch {
	case ev.ReplyToSelf:
		return accept("reply to self")
	case ev.MentionsSelf:
		return accept("mention")
	case mentionsName(ev.Text, in.Account, in.Persona):
		return accept("mentioned by name")
	case triggered(ev.Text, in.Policy.Triggers):
		return accept("chat trigger")
	case in.Persona != nil && triggered(ev.Text, in.Persona.Triggers):
		return accept("persona trigger")
	}

	if in.Policy.ReplyMode == model.ModeAllMessages {
		return g.roll(h.ResponseProbability, "all messages")
	}
	return reject(model.OutcomeNotEligible, "not addressed")
}

func (g *Gate) roll(p float64, detail string) Decision {
	switch {
	case p >= 1:
		return accept(detail)
	case p <= 0:
		return reject(model.OutcomeNotEligible, "response probability is zero")
	case g.Rand() < p:
		return accept(detail)
	default:
		return reject(model.OutcomeNotEligible, "response roll")
	}
}

func mentionsName(text string, a model.Account, p *model.Persona) bool {
	lower := strings.ToLower(text)
	if p != nil && p.DisplayName != "" && strings.Contains(lower, strings.ToLower(p.DisplayName)) {
		return true
	}
	return a.Name != "" && strings.Contains(lower, "@"+strings.ToLower(a.Name))
}

// triggered reports whether text contains any keyword, case-insensitively.
func triggered(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
