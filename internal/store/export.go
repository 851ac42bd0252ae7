package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/persona-fleet/internal/model"
)

// ExportedMemory is a memory record with its embedding, for backups.
type ExportedMemory struct {
	model.MemoryRecord
	Embedding []float32 `json:"embedding,omitempty"`
}

// ExportMemories returns every record of an account, or of one chat when
// chatID != 0, ordered by chat then creation time.
func (s *SQLiteStore) ExportMemories(ctx context.Context, accountID, chatID int64) ([]ExportedMemory, error) {
	where := sq.Eq{"account_id": accountID}
	if chatID != 0 {
		where["chat_id"] = chatID
	}
	recs, err := s.queryMemories(ctx, builder.Select(memoryColumns...).
		From("memories").
		Where(where).
		OrderBy("chat_id", "created_at", "id"))
	if err != nil {
		return nil, err
	}
	out := make([]ExportedMemory, len(recs))
	for i, r := range recs {
		out[i] = ExportedMemory{MemoryRecord: r, Embedding: r.Embedding}
	}
	return out, nil
}

// ImportMemories stores records from an export under accountID, keeping
// their original creation times. Summaries keep their span.
func (s *SQLiteStore) ImportMemories(ctx context.Context, accountID int64, recs []ExportedMemory) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	imported := 0
	for _, r := range recs {
		kind := r.Kind
		if kind == "" {
			kind = model.KindMessage
		}
		if !model.ValidKinds[kind] {
			return imported, fmt.Errorf("record %s: invalid kind %q", r.ID, kind)
		}
		var start, end interface{}
		if r.SpanStart != nil {
			start = nanos(*r.SpanStart)
		}
		if r.SpanEnd != nil {
			end = nanos(*r.SpanEnd)
		}
		_, err := execBuilder(ctx, tx, builder.Insert("memories").
			Columns(memoryColumns...).
			Values(s.newID(r.CreatedAt), accountID, r.ChatID, string(kind), r.Text, encodeVector(r.Embedding),
				nanos(r.CreatedAt), start, end))
		if err != nil {
			return imported, fmt.Errorf("import record %s: %w", r.ID, err)
		}
		imported++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return imported, nil
}
