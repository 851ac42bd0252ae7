package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/model"
)

type call struct {
	op      string
	text    string
	replyTo int64
	on      bool
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []call
	failOn map[string]bool
	onSend func(text string)
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string, replyTo int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: "send", text: text, replyTo: replyTo})
	fail := f.failOn[text]
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	if fail {
		return errors.New("flood wait")
	}
	return nil
}

func (f *fakeSender) SetTyping(ctx context.Context, chatID int64, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "typing", on: on})
	return nil
}

func (f *fakeSender) MarkRead(ctx context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "read"})
	return nil
}

func (f *fakeSender) sent() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == "send" {
			out = append(out, c)
		}
	}
	return out
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		TypingFloor:         time.Second,
		TypingCap:           30 * time.Second,
		TypingVariance:      0.2,
		DistractProbability: 0.2,
	}
}

func testAccount() model.Account {
	return model.Account{ID: 1, Name: "sam", Humanization: model.DefaultHumanization()}
}

// seq returns a Rand that cycles through vals.
func seq(vals ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}
}

func TestTypingDuration(t *testing.T) {
	p := NewPlanner(testConfig())
	p.Rand = func() float64 { return 0.5 } // no variance

	// 300 cpm: 50 runes take 10s
	assert.Equal(t, 10*time.Second, p.TypingDuration(string(make([]rune, 50)), 300))
	assert.Equal(t, time.Second, p.TypingDuration("hi", 300), "floor applies")
	assert.Equal(t, 30*time.Second, p.TypingDuration(string(make([]rune, 1000)), 300), "cap applies")

	p.Rand = func() float64 { return 0.999999 }
	got := p.TypingDuration(string(make([]rune, 50)), 300)
	assert.InDelta(t, 12*time.Second, got, float64(time.Millisecond))
}

func TestPlanBounds(t *testing.T) {
	p := NewPlanner(testConfig())
	acct := testAccount()
	h := acct.Humanization

	for i := 0; i < 500; i++ {
		plan := p.Plan(acct, model.InboundEvent{ChatID: 5}, []string{"hello there", "second", "third one"})
		require.Len(t, plan.Chunks, 3)

		first := plan.Chunks[0]
		assert.GreaterOrEqual(t, first.ReadDelay, h.MinReadDelay)
		assert.LessOrEqual(t, first.ReadDelay, h.MaxReadDelay)
		assert.Zero(t, first.InterChunkPause)

		for _, c := range plan.Chunks[1:] {
			assert.Zero(t, c.ReadDelay)
			assert.GreaterOrEqual(t, c.InterChunkPause, 500*time.Millisecond)
			assert.LessOrEqual(t, c.InterChunkPause, 1500*time.Millisecond)
		}
		for _, c := range plan.Chunks {
			assert.GreaterOrEqual(t, c.Typing, time.Second)
			assert.LessOrEqual(t, c.Typing, 30*time.Second)
			if c.Distraction != nil {
				assert.Less(t, c.Distraction.After, c.Typing)
				assert.GreaterOrEqual(t, c.Distraction.Pause, 3*time.Second)
				assert.LessOrEqual(t, c.Distraction.Pause, 10*time.Second)
			}
		}
	}
}

func TestSendMode(t *testing.T) {
	p := NewPlanner(testConfig())
	acct := testAccount()
	acct.Humanization.ReplyProbability = 0

	plan := p.Plan(acct, model.InboundEvent{ReplyToSelf: true}, []string{"x"})
	assert.Equal(t, model.SendAsReply, plan.Mode, "replies to self are always answered as replies")

	acct.Humanization.ReplyProbability = 1
	plan = p.Plan(acct, model.InboundEvent{Private: true}, []string{"x"})
	assert.Equal(t, model.SendStandalone, plan.Mode, "private chats never quote")

	plan = p.Plan(acct, model.InboundEvent{}, []string{"x"})
	assert.Equal(t, model.SendAsReply, plan.Mode)

	acct.Humanization.ReplyProbability = 0
	plan = p.Plan(acct, model.InboundEvent{}, []string{"x"})
	assert.Equal(t, model.SendStandalone, plan.Mode)
}

func TestDeliverSingleChunkTiming(t *testing.T) {
	p := NewPlanner(testConfig())
	p.Rand = seq(0.9) // never distracted
	acct := testAccount()
	ev := model.InboundEvent{ChatID: 7, MessageID: 42}

	plan := p.Plan(acct, ev, []string{"how are you doing"})
	require.Nil(t, plan.Chunks[0].Distraction)

	clk := clock.NewFake(time.Now())
	snd := &fakeSender{}
	rep := NewEngine(snd, clk, nil).Deliver(context.Background(), ev, plan)

	assert.Equal(t, 1, rep.Sent)
	assert.False(t, rep.Cancelled)
	assert.Equal(t, plan.Chunks[0].ReadDelay+plan.Chunks[0].Typing, clk.Elapsed())

	h := acct.Humanization
	assert.GreaterOrEqual(t, clk.Elapsed(), h.MinReadDelay+time.Second)
	assert.LessOrEqual(t, clk.Elapsed(), h.MaxReadDelay+30*time.Second)

	require.Len(t, snd.calls, 4)
	assert.Equal(t, "read", snd.calls[0].op)
	assert.Equal(t, call{op: "typing", on: true}, snd.calls[1])
	assert.Equal(t, call{op: "typing", on: false}, snd.calls[2])
	assert.Equal(t, "send", snd.calls[3].op)
}

func TestDeliverDistraction(t *testing.T) {
	plan := model.DeliveryPlan{Chunks: []model.PlannedChunk{{
		Text:        "sorry, was afk",
		ReadDelay:   5 * time.Second,
		Typing:      10 * time.Second,
		Distraction: &model.Distraction{After: 3 * time.Second, Pause: 7 * time.Second},
	}}}

	clk := clock.NewFake(time.Now())
	snd := &fakeSender{}
	eng := NewEngine(snd, clk, nil)
	var states []State
	eng.OnTransition = func(_ int, _, to State) { states = append(states, to) }

	rep := eng.Deliver(context.Background(), model.InboundEvent{ChatID: 1}, plan)
	assert.Equal(t, 1, rep.Sent)

	assert.Equal(t, []time.Duration{5 * time.Second, 3 * time.Second, 7 * time.Second, 7 * time.Second}, clk.Sleeps())
	assert.Equal(t, 22*time.Second, clk.Elapsed())
	assert.Equal(t, []State{Reading, TypingStart, Distracted, TypingStart, TypingSteady, TypingDone, Sent}, states)

	var typing []bool
	for _, c := range snd.calls {
		if c.op == "typing" {
			typing = append(typing, c.on)
		}
	}
	assert.Equal(t, []bool{true, false, true, false}, typing)
}

func TestDeliverReplyOnlyOnFirstChunk(t *testing.T) {
	plan := model.DeliveryPlan{Mode: model.SendAsReply, Chunks: []model.PlannedChunk{
		{Text: "a", Typing: time.Second},
		{Text: "b", Typing: time.Second, InterChunkPause: time.Second},
	}}
	snd := &fakeSender{}
	NewEngine(snd, clock.NewFake(time.Now()), nil).Deliver(context.Background(), model.InboundEvent{ChatID: 1, MessageID: 99}, plan)

	sent := snd.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, int64(99), sent[0].replyTo)
	assert.Zero(t, sent[1].replyTo)
}

func TestDeliverSendFailureContinues(t *testing.T) {
	plan := model.DeliveryPlan{Chunks: []model.PlannedChunk{
		{Text: "one", Typing: time.Second},
		{Text: "two", Typing: time.Second, InterChunkPause: time.Second},
		{Text: "three", Typing: time.Second, InterChunkPause: time.Second},
	}}
	snd := &fakeSender{failOn: map[string]bool{"two": true}}
	rep := NewEngine(snd, clock.NewFake(time.Now()), nil).Deliver(context.Background(), model.InboundEvent{ChatID: 1}, plan)

	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, []string{"one", "three"}, rep.Delivered)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0].Error(), "chunk 1")
	assert.Len(t, snd.sent(), 3)
}

func TestDeliverCancelDuringTyping(t *testing.T) {
	plan := model.DeliveryPlan{Chunks: []model.PlannedChunk{
		{Text: "first", ReadDelay: 2 * time.Second, Typing: 4 * time.Second},
		{Text: "second", Typing: 4 * time.Second, InterChunkPause: time.Second},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewFake(time.Now())
	// sleeps: 0 read delay, 1 typing of first chunk, 2 inter-chunk pause, 3 typing of second
	clk.OnSleep = func(n int, _ time.Duration) {
		if n == 3 {
			cancel()
		}
	}
	snd := &fakeSender{}
	rep := NewEngine(snd, clk, nil).Deliver(ctx, model.InboundEvent{ChatID: 1}, plan)

	assert.True(t, rep.Cancelled)
	assert.Equal(t, 1, rep.Sent)
	sent := snd.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "first", sent[0].text)

	last := snd.calls[len(snd.calls)-1]
	assert.Equal(t, call{op: "typing", on: false}, last, "the indicator is turned off after cancellation")
}

func TestDeliverCancelBeforeFirstSend(t *testing.T) {
	plan := model.DeliveryPlan{Chunks: []model.PlannedChunk{{Text: "never", ReadDelay: time.Second, Typing: time.Second}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewFake(time.Now())
	clk.OnSleep = func(n int, _ time.Duration) {
		if n == 0 {
			cancel()
		}
	}
	snd := &fakeSender{}
	rep := NewEngine(snd, clk, nil).Deliver(ctx, model.InboundEvent{ChatID: 1}, plan)

	assert.True(t, rep.Cancelled)
	assert.Zero(t, rep.Sent)
	assert.Empty(t, snd.sent())
	for _, c := range snd.calls {
		assert.NotEqual(t, "typing", c.op, "typing never started")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "typing_steady", TypingSteady.String())
	assert.Equal(t, "state(42)", State(42).String())
}
