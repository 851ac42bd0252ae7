// Package store provides SQLite persistence for accounts, chat policies,
// memory records, security state and conversation history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/persona-fleet/internal/model"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// InsertMemoryParams holds parameters for storing a memory record.
type InsertMemoryParams struct {
	AccountID int64
	ChatID    int64
	Kind      model.RecordKind
	Text      string
	Embedding []float32
	CreatedAt time.Time
	// Ceiling bounds the live record count for the chat; 0 disables eviction.
	Ceiling int
}

// SummaryParams replaces a span of message records with one summary record.
type SummaryParams struct {
	AccountID   int64
	ChatID      int64
	Text        string
	Embedding   []float32
	CreatedAt   time.Time
	ReplacedIDs []string
	SpanStart   time.Time
	SpanEnd     time.Time
}

// MemoryRepository is the keyed store behind the memory service.
type MemoryRepository interface {
	// InsertMemory stores a record and evicts the oldest records of the chat
	// above the ceiling in the same transaction. Returns the number evicted.
	InsertMemory(ctx context.Context, p InsertMemoryParams) (*model.MemoryRecord, int, error)

	// ListMemories returns every live record of a chat, newest first.
	ListMemories(ctx context.Context, accountID, chatID int64) ([]model.MemoryRecord, error)

	// CountSinceSummary counts message records created after the newest summary.
	CountSinceSummary(ctx context.Context, accountID, chatID int64) (int, error)

	// OldestMessages returns up to n message records of a chat, oldest first.
	OldestMessages(ctx context.Context, accountID, chatID int64, n int) ([]model.MemoryRecord, error)

	// ReplaceWithSummary inserts a summary and deletes the records it replaces atomically.
	ReplaceWithSummary(ctx context.Context, p SummaryParams) (*model.MemoryRecord, error)
}

// SecurityLedger persists per-sender strike state.
type SecurityLedger interface {
	GetSecurityState(ctx context.Context, accountID, senderID int64) (model.SecurityState, error)

	// RecordViolation atomically increments the strike count and extends the
	// block using blockFor(strikes). The block never shrinks.
	RecordViolation(ctx context.Context, accountID, senderID int64, now time.Time, blockFor func(strikes int) time.Duration) (model.SecurityState, error)

	// ResetSecurityState clears strikes and any block (administrative).
	ResetSecurityState(ctx context.Context, accountID, senderID int64) error
}

// HistoryRepository keeps the recent conversation log.
type HistoryRepository interface {
	AppendHistory(ctx context.Context, m model.HistoryMessage) error
	RecentHistory(ctx context.Context, accountID, chatID int64, limit int) ([]model.HistoryMessage, error)
	// PruneHistory keeps only the newest keep messages of a chat.
	PruneHistory(ctx context.Context, accountID, chatID int64, keep int) error
}

// PolicyRepository reads accounts, personas and chat policies.
type PolicyRepository interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetPersona(ctx context.Context, name string) (*model.Persona, error)
	GetChatPolicy(ctx context.Context, accountID, chatID int64) (*model.ChatPolicy, error)
}
