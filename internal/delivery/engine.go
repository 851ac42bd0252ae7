// Package delivery schedules a turn's chunks like a human would send them:
// a read delay, typing with an occasional distraction, then the send. The
// per-chunk state machine runs on an injected clock.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/model"
)

const clearTypingTimeout = 2 * time.Second

// State is a step of the per-chunk delivery machine.
type State int

const (
	PendingRead State = iota
	Reading
	TypingStart
	TypingSteady
	Distracted
	TypingDone
	Sent
	Failed
	Cancelled
)

var stateNames = [...]string{"pending_read", "reading", "typing_start", "typing_steady", "distracted", "typing_done", "sent", "failed", "cancelled"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sender is the part of the transport delivery needs.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) error
	SetTyping(ctx context.Context, chatID int64, on bool) error
	MarkRead(ctx context.Context, chatID, messageID int64) error
}

// Report summarizes one Deliver call. Delivered holds the texts that were
// actually sent, in order.
type Report struct {
	Delivered []string
	Sent      int
	Failed    int
	Cancelled bool
	Errors    []error
}

// Engine executes delivery plans.
type Engine struct {
	sender Sender
	clock  clock.Clock
	log    *zap.Logger

	// OnTransition, if set, observes every state change.
	OnTransition func(chunk int, from, to State)
}

func NewEngine(sender Sender, clk clock.Clock, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{sender: sender, clock: clk, log: log.Named("delivery")}
}

// Deliver runs the plan chunk by chunk. A failed send is logged and the
// remaining chunks are still attempted. Once ctx is done no chunk is sent;
// the only transport call left is turning off a typing indicator that was
// left on.
func (e *Engine) Deliver(ctx context.Context, ev model.InboundEvent, plan model.DeliveryPlan) Report {
	var rep Report
	for i, c := range plan.Chunks {
		st := e.deliverChunk(ctx, i, ev, plan.Mode, c, &rep)
		if st == Cancelled {
			rep.Cancelled = true
			e.log.Info("delivery cancelled",
				zap.Int64("chat", ev.ChatID),
				zap.Int("sent", rep.Sent),
				zap.Int("remaining", len(plan.Chunks)-i))
			return rep
		}
	}
	return rep
}

func (e *Engine) deliverChunk(ctx context.Context, i int, ev model.InboundEvent, mode model.SendMode, c model.PlannedChunk, rep *Report) State {
	st := PendingRead
	remaining := c.Typing
	distracted := false
	typingOn := false
	setTyping := func(on bool) {
		if e.typing(ctx, ev.ChatID, on) {
			typingOn = on
		}
	}

	move := func(to State) {
		if e.OnTransition != nil {
			e.OnTransition(i, st, to)
		}
		st = to
	}
	sleep := func(d time.Duration) bool {
		return e.clock.Sleep(ctx, d) == nil
	}

	for {
		if ctx.Err() != nil && st != Sent && st != Failed {
			move(Cancelled)
		}

		switch st {
		case PendingRead:
			if i == 0 {
				move(Reading)
				continue
			}
			if !sleep(c.InterChunkPause) {
				continue
			}
			move(TypingStart)

		case Reading:
			if err := e.sender.MarkRead(ctx, ev.ChatID, ev.MessageID); err != nil {
				e.log.Debug("mark read failed", zap.Int64("chat", ev.ChatID), zap.Error(err))
			}
			if !sleep(c.ReadDelay) {
				continue
			}
			move(TypingStart)

		case TypingStart:
			setTyping(true)
			if c.Distraction != nil && !distracted {
				if !sleep(c.Distraction.After) {
					continue
				}
				remaining -= c.Distraction.After
				move(Distracted)
				continue
			}
			move(TypingSteady)

		case Distracted:
			setTyping(false)
			if !sleep(c.Distraction.Pause) {
				continue
			}
			distracted = true
			move(TypingStart)

		case TypingSteady:
			if remaining > 0 && !sleep(remaining) {
				continue
			}
			move(TypingDone)

		case TypingDone:
			setTyping(false)
			if ctx.Err() != nil {
				continue
			}
			var replyTo int64
			if mode == model.SendAsReply && i == 0 {
				replyTo = ev.MessageID
			}
			if err := e.sender.SendText(ctx, ev.ChatID, c.Text, replyTo); err != nil {
				rep.Failed++
				rep.Errors = append(rep.Errors, fmt.Errorf("chunk %d: %w", i, err))
				e.log.Warn("send failed", zap.Int64("chat", ev.ChatID), zap.Int("chunk", i), zap.Error(err))
				move(Failed)
				continue
			}
			rep.Sent++
			rep.Delivered = append(rep.Delivered, c.Text)
			move(Sent)

		case Cancelled:
			if typingOn {
				e.clearTyping(ctx, ev.ChatID)
			}
			return st

		case Sent, Failed:
			return st
		}
	}
}

// typing reports whether the indicator call was made.
func (e *Engine) typing(ctx context.Context, chatID int64, on bool) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := e.sender.SetTyping(ctx, chatID, on); err != nil {
		e.log.Debug("set typing failed", zap.Int64("chat", chatID), zap.Bool("on", on), zap.Error(err))
	}
	return true
}

// clearTyping turns the indicator off after cancellation, on a detached
// context with a short timeout.
func (e *Engine) clearTyping(ctx context.Context, chatID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTypingTimeout)
	defer cancel()
	if err := e.sender.SetTyping(ctx, chatID, false); err != nil {
		e.log.Debug("clear typing failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}
