package delivery

import (
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/model"
)

// Timing bounds that are not per-account.
const (
	distractAfterMin = 2 * time.Second
	distractAfterMax = 4 * time.Second
	distractPauseMin = 3 * time.Second
	distractPauseMax = 10 * time.Second
	interChunkMin    = 500 * time.Millisecond
	interChunkMax    = 1500 * time.Millisecond
)

// Planner draws the timing of a turn's delivery.
type Planner struct {
	cfg config.DeliveryConfig

	// Rand returns a value in [0,1).
	Rand func() float64
}

func NewPlanner(cfg config.DeliveryConfig) *Planner {
	return &Planner{cfg: cfg, Rand: rand.Float64}
}

// Plan builds the delivery plan for chunks answering ev. Only the first
// chunk gets a read delay; later chunks get a short inter-chunk pause.
func (p *Planner) Plan(acct model.Account, ev model.InboundEvent, chunks []string) model.DeliveryPlan {
	h := acct.Humanization
	plan := model.DeliveryPlan{Mode: p.sendMode(h, ev)}

	for i, text := range chunks {
		c := model.PlannedChunk{Text: text, Typing: p.TypingDuration(text, h.TypingSpeedCPM)}
		if i == 0 {
			c.ReadDelay = p.uniform(h.MinReadDelay, h.MaxReadDelay)
		} else {
			c.InterChunkPause = p.uniform(interChunkMin, interChunkMax)
		}
		if p.Rand() < p.cfg.DistractProbability {
			after := p.uniform(distractAfterMin, distractAfterMax)
			if after >= c.Typing {
				after = c.Typing / 2
			}
			c.Distraction = &model.Distraction{After: after, Pause: p.uniform(distractPauseMin, distractPauseMax)}
		}
		plan.Chunks = append(plan.Chunks, c)
	}
	return plan
}

// sendMode is decided once per turn: replies to this account are always
// answered as replies, private chats never, otherwise by probability.
func (p *Planner) sendMode(h model.Humanization, ev model.InboundEvent) model.SendMode {
	switch {
	case ev.ReplyToSelf:
		return model.SendAsReply
	case ev.Private:
		return model.SendStandalone
	case p.Rand() < h.ReplyProbability:
		return model.SendAsReply
	default:
		return model.SendStandalone
	}
}

// TypingDuration is runes/cpm minutes with +-variance, clamped to the
// configured floor and cap.
func (p *Planner) TypingDuration(text string, cpm int) time.Duration {
	if cpm <= 0 {
		cpm = 300
	}
	base := float64(utf8.RuneCountInString(text)) * float64(time.Minute) / float64(cpm)
	jitter := 1 + p.cfg.TypingVariance*(2*p.Rand()-1)
	d := time.Duration(base * jitter)
	if d < p.cfg.TypingFloor {
		d = p.cfg.TypingFloor
	}
	if p.cfg.TypingCap > 0 && d > p.cfg.TypingCap {
		d = p.cfg.TypingCap
	}
	return d
}

func (p *Planner) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.Rand()*float64(hi-lo))
}
