// Package transport defines the chat network boundary a worker talks through.
package transport

import (
	"context"

	"github.com/rcliao/persona-fleet/internal/model"
)

// Transport is one account's connection to the chat network.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) error
	SetTyping(ctx context.Context, chatID int64, on bool) error
	MarkRead(ctx context.Context, chatID, messageID int64) error

	// Events yields inbound messages. The channel is closed when the
	// connection ends; Err then reports why.
	Events() <-chan model.InboundEvent
	Err() error
	Close() error
}

// Factory connects a transport for an account.
type Factory func(ctx context.Context, accountID int64) (Transport, error)
