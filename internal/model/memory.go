// Package model defines the core data types shared by the pipeline stages.
package model

import "time"

// RecordKind distinguishes raw conversation memories from span summaries.
type RecordKind string

const (
	KindMessage RecordKind = "message"
	KindSummary RecordKind = "summary"
)

// MemoryRecord is one embedding-indexed snippet of past conversation.
type MemoryRecord struct {
	ID         string     `json:"id"`
	AccountID  int64      `json:"account_id"`
	ChatID     int64      `json:"chat_id"`
	Kind       RecordKind `json:"kind"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	Importance float64    `json:"importance"`
	SpanStart  *time.Time `json:"span_start,omitempty"`
	SpanEnd    *time.Time `json:"span_end,omitempty"`
}

// ValidKinds are the allowed record kinds.
var ValidKinds = map[RecordKind]bool{
	KindMessage: true,
	KindSummary: true,
}

// Role is the speaker of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryMessage is one line of the recent conversation kept for prompt context.
type HistoryMessage struct {
	AccountID  int64     `json:"account_id"`
	ChatID     int64     `json:"chat_id"`
	Role       Role      `json:"role"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}
