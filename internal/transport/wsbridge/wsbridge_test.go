package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/model"
)

// bridge is a minimal chat bridge: it pushes queued events and acks every
// action, failing sends whose text is "fail".
type bridge struct {
	t      *testing.T
	mu     sync.Mutex
	frames []frame
	path   string
	auth   string
	push   []model.InboundEvent
	hangup bool
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.path = r.URL.Path
	b.auth = r.Header.Get("Authorization")
	push := b.push
	hangup := b.hangup
	b.mu.Unlock()

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if !assert.NoError(b.t, err) {
		return
	}
	defer conn.Close()

	for i := range push {
		conn.WriteJSON(frame{Type: typeMessage, Event: &push[i]})
	}
	if hangup {
		return
	}
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()

		ack := frame{Type: typeAck, ID: f.ID}
		if f.Type == typeSend && f.Text == "fail" {
			ack.Error = "FLOOD_WAIT_30"
		}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}

func (b *bridge) received() []frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]frame(nil), b.frames...)
}

func startBridge(t *testing.T, b *bridge) config.TransportConfig {
	b.t = t
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return config.TransportConfig{
		BridgeURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/accounts/",
		BridgeToken: "secret",
		DialTimeout: 5 * time.Second,
	}
}

func TestClientRoundTrip(t *testing.T) {
	b := &bridge{push: []model.InboundEvent{{ChatID: 10, MessageID: 1, SenderID: 5, Text: "hi"}}}
	cfg := startBridge(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewFactory(cfg, nil)(ctx, 42)
	require.NoError(t, err)
	defer c.Close()

	select {
	case ev := <-c.Events():
		assert.Equal(t, int64(42), ev.AccountID)
		assert.Equal(t, "hi", ev.Text)
		assert.Equal(t, int64(10), ev.ChatID)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	require.NoError(t, c.MarkRead(ctx, 10, 1))
	require.NoError(t, c.SetTyping(ctx, 10, true))
	require.NoError(t, c.SendText(ctx, 10, "hello", 1))

	err = c.SendText(ctx, 10, "fail", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLOOD_WAIT")

	got := b.received()
	require.Len(t, got, 4)
	assert.Equal(t, typeRead, got[0].Type)
	assert.Equal(t, int64(1), got[0].MessageID)
	assert.Equal(t, typeTyping, got[1].Type)
	assert.True(t, got[1].On)
	assert.Equal(t, frame{Type: typeSend, ID: got[2].ID, ChatID: 10, Text: "hello", ReplyTo: 1}, got[2])

	b.mu.Lock()
	assert.Equal(t, "/accounts/42", b.path)
	assert.Equal(t, "Bearer secret", b.auth)
	b.mu.Unlock()
}

func TestClientBridgeHangup(t *testing.T) {
	b := &bridge{hangup: true}
	cfg := startBridge(t, b)

	c, err := Dial(context.Background(), cfg, 1, nil)
	require.NoError(t, err)
	defer c.Close()

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok, "events channel should close")
	case <-time.After(5 * time.Second):
		t.Fatal("events channel never closed")
	}
	assert.Error(t, c.Err())
	assert.ErrorIs(t, c.SendText(context.Background(), 1, "late", 0), ErrClosed)
}

func TestClientClose(t *testing.T) {
	cfg := startBridge(t, &bridge{})

	c, err := Dial(context.Background(), cfg, 1, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SetTyping(context.Background(), 1, true), ErrClosed)

	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.NoError(t, c.Err())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), config.TransportConfig{
		BridgeURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		DialTimeout: time.Second,
	}, 3, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
