// Package wsbridge implements transport.Transport over a websocket to a chat
// bridge process that owns the actual network sessions. Frames are JSON
// objects tagged by "type"; every outbound action carries an id that the
// bridge acknowledges.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/model"
	"github.com/rcliao/persona-fleet/internal/transport"
)

// ErrClosed is returned for actions on a closed client.
var ErrClosed = errors.New("bridge connection closed")

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

// Frame types.
const (
	typeMessage = "message"
	typeAck     = "ack"
	typeSend    = "send"
	typeTyping  = "typing"
	typeRead    = "read"
)

type frame struct {
	Type      string              `json:"type"`
	ID        uint64              `json:"id,omitempty"`
	ChatID    int64               `json:"chat_id,omitempty"`
	Text      string              `json:"text,omitempty"`
	ReplyTo   int64               `json:"reply_to,omitempty"`
	On        bool                `json:"on,omitempty"`
	MessageID int64               `json:"message_id,omitempty"`
	Error     string              `json:"error,omitempty"`
	Event     *model.InboundEvent `json:"event,omitempty"`
}

// Client is a connected bridge session for one account.
type Client struct {
	accountID int64
	conn      *websocket.Conn
	log       *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan error
	err     error
	closed  bool

	events chan model.InboundEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewFactory returns a transport.Factory dialing cfg.BridgeURL/<account id>.
func NewFactory(cfg config.TransportConfig, log *zap.Logger) transport.Factory {
	return func(ctx context.Context, accountID int64) (transport.Transport, error) {
		c, err := Dial(ctx, cfg, accountID, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Dial opens the bridge session for accountID.
func Dial(ctx context.Context, cfg config.TransportConfig, accountID int64, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	url := strings.TrimRight(cfg.BridgeURL, "/") + "/" + strconv.FormatInt(accountID, 10)

	header := http.Header{}
	if cfg.BridgeToken != "" {
		header.Set("Authorization", "Bearer "+cfg.BridgeToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial bridge for account %d: %w (status %d)", accountID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial bridge for account %d: %w", accountID, err)
	}

	c := &Client{
		accountID: accountID,
		conn:      conn,
		log:       log.Named("wsbridge").With(zap.Int64("account", accountID)),
		pending:   make(map[uint64]chan error),
		events:    make(chan model.InboundEvent, eventBuffer),
		done:      make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	conn.SetReadDeadline(time.Now().Add(2 * pingInterval))

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) Events() <-chan model.InboundEvent { return c.events }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, replyTo int64) error {
	return c.call(ctx, frame{Type: typeSend, ChatID: chatID, Text: text, ReplyTo: replyTo})
}

func (c *Client) SetTyping(ctx context.Context, chatID int64, on bool) error {
	return c.call(ctx, frame{Type: typeTyping, ChatID: chatID, On: on})
}

func (c *Client) MarkRead(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, frame{Type: typeRead, ChatID: chatID, MessageID: messageID})
}

// call writes f and waits for the bridge's ack.
func (c *Client) call(ctx context.Context, f frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	f.ID = c.nextID
	ack := make(chan error, 1)
	c.pending[f.ID] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return fmt.Errorf("%s: %w", f.Type, err)
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case typeMessage:
			if f.Event == nil {
				continue
			}
			ev := *f.Event
			ev.AccountID = c.accountID
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case typeAck:
			c.mu.Lock()
			ack, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if f.Error != "" {
				ack <- errors.New(f.Error)
			} else {
				ack <- nil
			}
		default:
			c.log.Debug("unknown frame", zap.String("type", f.Type))
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// fail records why the connection ended and releases every waiting call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.err = err
		c.log.Warn("bridge connection lost", zap.Error(err))
	}
	c.shutdownLocked()
}

func (c *Client) shutdownLocked() {
	c.closed = true
	for id, ack := range c.pending {
		select {
		case ack <- ErrClosed:
		default:
		}
		delete(c.pending, id)
	}
	close(c.done)
}

// Close ends the session and waits for the client's goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	if !already {
		c.shutdownLocked()
	}
	c.mu.Unlock()

	if !already {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	err := c.conn.Close()
	c.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
