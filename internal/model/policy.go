package model

import "time"

// ReplyMode controls when the account answers in group chats.
type ReplyMode string

const (
	ModeMentionOnly ReplyMode = "mention_only"
	ModeAllMessages ReplyMode = "all_messages"
)

// ChatPolicy is the per (account, chat) configuration.
type ChatPolicy struct {
	AccountID     int64         `json:"account_id"`
	ChatID        int64         `json:"chat_id"`
	Enabled       bool          `json:"enabled"`
	ReplyMode     ReplyMode     `json:"reply_mode"`
	Triggers      []string      `json:"triggers,omitempty"`
	Cooldown      time.Duration `json:"cooldown"`
	MemoryEnabled bool          `json:"memory_enabled"`
	ContextDepth  int           `json:"context_depth"`
	WebSearch     bool          `json:"web_search"`
}

// DefaultChatPolicy is used for chats without a stored policy.
func DefaultChatPolicy(accountID, chatID int64) ChatPolicy {
	return ChatPolicy{
		AccountID:     accountID,
		ChatID:        chatID,
		Enabled:       true,
		ReplyMode:     ModeMentionOnly,
		Cooldown:      5 * time.Second,
		MemoryEnabled: true,
		ContextDepth:  10,
	}
}
