package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrQueueTimeout is returned when no slot frees up within the queue timeout.
var ErrQueueTimeout = errors.New("llm queue wait timed out")

// Limiter bounds concurrent completions across the whole process. Waiters
// are served in FIFO order. It implements Completer around an inner backend.
//
// Each call runs detached from the caller's context with its own timeout,
// so a caller that gives up returns at once while the slot stays held until
// the backend call finishes or times out.
type Limiter struct {
	inner        Completer
	sem          *semaphore.Weighted
	size         int64
	queueTimeout time.Duration
	callTimeout  time.Duration
	log          *zap.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewLimiter wraps inner with a limit of size concurrent calls.
func NewLimiter(inner Completer, size int64, queueTimeout, callTimeout time.Duration, log *zap.Logger) *Limiter {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		inner:        inner,
		sem:          semaphore.NewWeighted(size),
		size:         size,
		queueTimeout: queueTimeout,
		callTimeout:  callTimeout,
		log:          log.Named("llm"),
	}
}

type completion struct {
	text string
	err  error
}

func (l *Limiter) Complete(ctx context.Context, prompt string) (string, error) {
	waitCtx := ctx
	if l.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.queueTimeout)
		defer cancel()
	}

	queued := time.Now()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		l.log.Warn("completion queue timeout", zap.Duration("waited", time.Since(queued)))
		return "", ErrQueueTimeout
	}

	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var callCtx context.Context
	var cancel context.CancelFunc
	if l.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), l.callTimeout)
	} else {
		callCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	done := make(chan completion, 1)
	go func() {
		defer func() {
			cancel()
			l.inFlight.Add(-1)
			l.sem.Release(1)
		}()
		start := time.Now()
		text, err := l.inner.Complete(callCtx, prompt)
		l.log.Debug("completion finished",
			zap.Duration("took", time.Since(start)),
			zap.Int("prompt_len", len(prompt)),
			zap.Int("response_len", len(text)),
			zap.Error(err))
		done <- completion{text: text, err: err}
	}()

	select {
	case c := <-done:
		return c.text, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Size is the configured concurrency limit.
func (l *Limiter) Size() int64 { return l.size }

// InFlight is the number of backend calls currently holding a slot.
func (l *Limiter) InFlight() int64 { return l.inFlight.Load() }

// Peak is the highest InFlight value observed.
func (l *Limiter) Peak() int64 { return l.peak.Load() }
