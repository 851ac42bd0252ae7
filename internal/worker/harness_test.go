package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/delivery"
	"github.com/rcliao/persona-fleet/internal/embedding"
	"github.com/rcliao/persona-fleet/internal/gate"
	"github.com/rcliao/persona-fleet/internal/memory"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/respond"
	"github.com/rcliao/persona-fleet/internal/security"
	"github.com/rcliao/persona-fleet/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const testChat = 100

type sentMsg struct {
	chatID  int64
	text    string
	replyTo int64
}

type fakeTransport struct {
	events chan model.InboundEvent

	mu      sync.Mutex
	sends   []sentMsg
	reads   int
	sendErr error
	err     error
	closed  bool
	once    sync.Once

	// readSignal, if set, receives a value on every MarkRead.
	readSignal chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan model.InboundEvent, 16)}
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string, replyTo int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{chatID: chatID, text: text, replyTo: replyTo})
	return f.sendErr
}

func (f *fakeTransport) SetTyping(context.Context, int64, bool) error { return nil }

func (f *fakeTransport) MarkRead(context.Context, int64, int64) error {
	f.mu.Lock()
	f.reads++
	sig := f.readSignal
	f.mu.Unlock()
	if sig != nil {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) Events() <-chan model.InboundEvent { return f.events }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) hangup(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.Close()
}

func (f *fakeTransport) sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sends...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeResponder answers through fn and records every request.
type fakeResponder struct {
	mu   sync.Mutex
	reqs []respond.Request
	fn   func(ctx context.Context, req respond.Request) (respond.Outcome, error)
}

func (r *fakeResponder) Respond(ctx context.Context, req respond.Request) (respond.Outcome, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return reply("ok"), nil
	}
	return fn(ctx, req)
}

func (r *fakeResponder) requests() []respond.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]respond.Request(nil), r.reqs...)
}

func reply(chunks ...string) respond.Outcome {
	return respond.Outcome{Decision: respond.Decision{Chunks: chunks}}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ int64, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) (embedding.Vector, error) {
	return embedding.Vector{1, 0}, nil
}

func (constEmbedder) Dims() int { return 2 }

// stallingEmbedder blocks on stallOn until its context ends.
type stallingEmbedder struct {
	stallOn string
}

func (e *stallingEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if text == e.stallOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return embedding.Vector{1, 0}, nil
}

func (e *stallingEmbedder) Dims() int { return 2 }

type brokenLedger struct{}

func (brokenLedger) GetSecurityState(context.Context, int64, int64) (model.SecurityState, error) {
	return model.SecurityState{}, errors.New("database is locked")
}

func (brokenLedger) RecordViolation(context.Context, int64, int64, time.Time, func(int) time.Duration) (model.SecurityState, error) {
	return model.SecurityState{}, errors.New("database is locked")
}

func (brokenLedger) ResetSecurityState(context.Context, int64, int64) error {
	return errors.New("database is locked")
}

type harness struct {
	t        *testing.T
	st       *store.SQLiteStore
	clk      clock.Clock
	resp     *fakeResponder
	notifier *recordingNotifier
	deps     Deps
	acct     model.Account
	nextMsg  int64
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	clk          clock.Clock
	humanization model.Humanization
	embedder     embedding.Embedder
	ledger       store.SecurityLedger
	flagged      security.FlaggedPolicy
}

func withRealClock() harnessOption {
	return func(c *harnessConfig) { c.clk = clock.Real{} }
}

func withReadDelay(d time.Duration) harnessOption {
	return func(c *harnessConfig) {
		c.humanization.MinReadDelay = d
		c.humanization.MaxReadDelay = d
	}
}

func withEmbedder(e embedding.Embedder) harnessOption {
	return func(c *harnessConfig) { c.embedder = e }
}

func withLedger(l store.SecurityLedger) harnessOption {
	return func(c *harnessConfig) { c.ledger = l }
}

func withFlagged(p security.FlaggedPolicy) harnessOption {
	return func(c *harnessConfig) { c.flagged = p }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := harnessConfig{
		clk: fake,
		humanization: model.Humanization{
			MinReadDelay:        time.Second,
			MaxReadDelay:        time.Second,
			TypingSpeedCPM:      600,
			ResponseProbability: 1,
			AlwaysRespondInPM:   true,
			IgnoreOlderThan:     5 * time.Minute,
		},
		flagged: security.PolicyDrop,
	}
	for _, o := range opts {
		o(&cfg)
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acct, err := st.PutAccount(ctx, store.PutAccountParams{Name: "sam", Active: true, Humanization: cfg.humanization})
	require.NoError(t, err)
	require.NoError(t, st.PutChatPolicy(ctx, model.ChatPolicy{
		AccountID:     acct.ID,
		ChatID:        testChat,
		Enabled:       true,
		ReplyMode:     model.ModeAllMessages,
		MemoryEnabled: true,
		ContextDepth:  10,
	}))

	var ledger store.SecurityLedger = st
	if cfg.ledger != nil {
		ledger = cfg.ledger
	}
	patterns, err := security.CompilePatterns(nil)
	require.NoError(t, err)
	screen, err := security.NewScreen(ledger, patterns, nil, cfg.clk, nil)
	require.NoError(t, err)

	resp := &fakeResponder{}
	notifier := &recordingNotifier{}
	h := &harness{
		t:        t,
		st:       st,
		clk:      cfg.clk,
		resp:     resp,
		notifier: notifier,
		acct:     *acct,
		deps: Deps{
			Policies:  st,
			History:   st,
			Gate:      gate.New(gate.NewRateLimiter(5, time.Minute), gate.NewCooldown(), cfg.clk, nil),
			Screen:    screen,
			Flagged:   cfg.flagged,
			Memory:    memory.NewService(st, cfg.embedder, nil, cfg.clk, config.MemoryConfig{TopK: 3, MinLength: 1, Ceiling: 100, DecayRate: 0.1}, nil),
			Responder: resp,
			Planner:   delivery.NewPlanner(config.DeliveryConfig{TypingFloor: time.Second, TypingCap: 30 * time.Second}),
			Clock:     cfg.clk,
			Notifier:  notifier,
		},
	}
	return h
}

func (h *harness) pipeline(tr *fakeTransport) *Pipeline {
	return NewPipeline(h.deps, h.acct, nil, tr)
}

func (h *harness) event(text string) model.InboundEvent {
	h.nextMsg++
	return model.InboundEvent{
		AccountID:  h.acct.ID,
		ChatID:     testChat,
		MessageID:  h.nextMsg,
		SenderID:   7,
		SenderName: "ann",
		Timestamp:  h.clk.Now(),
		Kind:       model.ContentText,
		Text:       text,
		Private:    true,
	}
}

// setPolicy edits the stored policy of the test chat.
func (h *harness) setPolicy(edit func(*model.ChatPolicy)) {
	h.t.Helper()
	ctx := context.Background()
	pol, err := h.st.GetChatPolicy(ctx, h.acct.ID, testChat)
	require.NoError(h.t, err)
	edit(pol)
	require.NoError(h.t, h.st.PutChatPolicy(ctx, *pol))
}

func (h *harness) history() []model.HistoryMessage {
	h.t.Helper()
	msgs, err := h.st.RecentHistory(context.Background(), h.acct.ID, testChat, 50)
	require.NoError(h.t, err)
	return msgs
}
