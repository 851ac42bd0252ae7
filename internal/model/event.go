package model

import "time"

// ContentKind tags what the inbound message originally carried.
type ContentKind string

const (
	ContentText      ContentKind = "text"
	ContentVoice     ContentKind = "voice"
	ContentPhoto     ContentKind = "photo"
	ContentAnimation ContentKind = "animation"
	ContentVideoNote ContentKind = "video_note"
	ContentSticker   ContentKind = "sticker"
)

// InboundEvent is one chat message delivered to an account. Non-text content
// arrives with Text already extracted upstream (transcript or description).
type InboundEvent struct {
	AccountID    int64       `json:"account_id"`
	ChatID       int64       `json:"chat_id"`
	MessageID    int64       `json:"message_id"`
	SenderID     int64       `json:"sender_id"`
	SenderName   string      `json:"sender_name,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Kind         ContentKind `json:"kind"`
	Text         string      `json:"text"`
	MediaContext string      `json:"media_context,omitempty"`
	Private      bool        `json:"private"`
	MentionsSelf bool        `json:"mentions_self,omitempty"`
	ReplyToSelf  bool        `json:"reply_to_self,omitempty"`
}
