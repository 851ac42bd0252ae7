// Package worker runs one goroutine per chat account. Each worker consumes
// its transport's events strictly in order and runs them through the turn
// pipeline; the Fleet starts, stops and reports on workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/transport"
)

// ErrStreamClosed means the transport ended without the worker being stopped.
var ErrStreamClosed = errors.New("event stream closed")

// maxBurst caps how many messages one debounced turn may merge.
const maxBurst = 10

// Worker drives one account.
type Worker struct {
	account  model.Account
	tr       transport.Transport
	pipe     *Pipeline
	notifier Notifier
	log      *zap.Logger

	mu    sync.Mutex
	state model.State
	err   error

	// OnTurn, if set, observes every finished turn.
	OnTurn func(model.InboundEvent, TurnResult)

	// Debounce, when positive, merges consecutive messages from the same
	// sender in the same chat into one turn. Each follow-up that arrives
	// within Debounce of the previous one extends the wait.
	Debounce time.Duration
}

// NewWorker creates a stopped worker.
func NewWorker(account model.Account, tr transport.Transport, pipe *Pipeline, notifier Notifier, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	return &Worker{
		account:  account,
		tr:       tr,
		pipe:     pipe,
		notifier: notifier,
		log:      log.With(zap.Int64("account", account.ID)),
	}
}

// State returns the lifecycle state and, when faulted, the cause.
func (w *Worker) State() (model.State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.err
}

func (w *Worker) setState(s model.State, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.err = err
}

// Run processes events until ctx is done (returns nil) or the worker
// faults (returns the cause). A faulted worker is not restarted.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(model.StateRunning, nil)
	w.log.Info("worker started", zap.String("name", w.account.Name))

	var held *model.InboundEvent
	for {
		var ev model.InboundEvent
		if held != nil {
			ev, held = *held, nil
		} else {
			select {
			case <-ctx.Done():
				return w.stopped()

			case next, ok := <-w.tr.Events():
				if !ok {
					if ctx.Err() != nil {
						return w.stopped()
					}
					err := ErrStreamClosed
					if terr := w.tr.Err(); terr != nil {
						err = fmt.Errorf("%w: %v", ErrStreamClosed, terr)
					}
					return w.fault(ctx, err)
				}
				ev = next
			}
		}

		if w.Debounce > 0 {
			ev, held = w.collect(ctx, ev)
			if ctx.Err() != nil {
				return w.stopped()
			}
		}
		if err := w.turn(ctx, ev); err != nil {
			return w.fault(ctx, err)
		}
	}
}

func (w *Worker) stopped() error {
	w.setState(model.StateStopped, nil)
	w.log.Info("worker stopped")
	return nil
}

// collect merges follow-ups to ev from the same sender and chat. The first
// event that belongs to another sender or chat ends the burst and is
// returned as next so it is handled in order.
func (w *Worker) collect(ctx context.Context, ev model.InboundEvent) (merged model.InboundEvent, next *model.InboundEvent) {
	timer := time.NewTimer(w.Debounce)
	defer timer.Stop()

	for parts := 1; parts < maxBurst; parts++ {
		select {
		case <-ctx.Done():
			return ev, nil
		case <-timer.C:
			return ev, nil
		case e, ok := <-w.tr.Events():
			if !ok {
				return ev, nil
			}
			if e.ChatID != ev.ChatID || e.SenderID != ev.SenderID {
				return ev, &e
			}
			ev = mergeEvents(ev, e)
			timer.Reset(w.Debounce)
		}
	}
	return ev, nil
}

// mergeEvents folds b into a burst that so far reads as a. The result keeps
// b's identity (message id, timestamp, kind) and joins the texts by line.
func mergeEvents(a, b model.InboundEvent) model.InboundEvent {
	var parts []string
	for _, t := range []string{a.Text, b.Text} {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	b.Text = strings.Join(parts, "\n")
	b.MentionsSelf = a.MentionsSelf || b.MentionsSelf
	b.ReplyToSelf = a.ReplyToSelf || b.ReplyToSelf
	if b.MediaContext == "" {
		b.MediaContext = a.MediaContext
	}
	return b
}

func (w *Worker) turn(ctx context.Context, ev model.InboundEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("turn panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic in chat %d: %v", ev.ChatID, r)
		}
	}()
	res := w.pipe.Handle(ctx, ev)
	if w.OnTurn != nil {
		w.OnTurn(ev, res)
	}
	return nil
}

func (w *Worker) fault(ctx context.Context, err error) error {
	w.setState(model.StateFaulted, err)
	w.pipe.Stats().record(model.OutcomeWorkerFault, w.pipe.deps.Clock.Now())
	w.log.Error("worker faulted", zap.Error(err))
	w.notifier.Notify(context.WithoutCancel(ctx), w.account.ID,
		fmt.Sprintf("account %q stopped: %v", w.account.Name, err))
	return err
}
