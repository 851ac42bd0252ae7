package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/persona-fleet/internal/model"
)

var memoryColumns = []string{"id", "account_id", "chat_id", "kind", "text", "embedding", "created_at", "span_start", "span_end"}

func (s *SQLiteStore) InsertMemory(ctx context.Context, p InsertMemoryParams) (*model.MemoryRecord, int, error) {
	kind := p.Kind
	if kind == "" {
		kind = model.KindMessage
	}
	if !model.ValidKinds[kind] {
		return nil, 0, fmt.Errorf("invalid record kind %q", kind)
	}
	rec := &model.MemoryRecord{
		ID:         s.newID(p.CreatedAt),
		AccountID:  p.AccountID,
		ChatID:     p.ChatID,
		Kind:       kind,
		Text:       p.Text,
		Embedding:  p.Embedding,
		CreatedAt:  p.CreatedAt.UTC(),
		Importance: 1.0,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	_, err = execBuilder(ctx, tx, builder.Insert("memories").
		Columns("id", "account_id", "chat_id", "kind", "text", "embedding", "created_at").
		Values(rec.ID, rec.AccountID, rec.ChatID, string(rec.Kind), rec.Text, encodeVector(rec.Embedding), nanos(rec.CreatedAt)))
	if err != nil {
		return nil, 0, fmt.Errorf("insert memory: %w", err)
	}

	evicted := 0
	if p.Ceiling > 0 {
		evicted, err = evictAboveCeiling(ctx, tx, p.AccountID, p.ChatID, p.Ceiling)
		if err != nil {
			return nil, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return rec, evicted, nil
}

// evictAboveCeiling deletes the oldest records of a chat until at most
// ceiling remain.
func evictAboveCeiling(ctx context.Context, tx *sql.Tx, accountID, chatID int64, ceiling int) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			WHERE account_id = ? AND chat_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT -1 OFFSET ?)`,
		accountID, chatID, ceiling)
	if err != nil {
		return 0, fmt.Errorf("evict memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListMemories(ctx context.Context, accountID, chatID int64) ([]model.MemoryRecord, error) {
	return s.queryMemories(ctx, builder.Select(memoryColumns...).
		From("memories").
		Where(sq.Eq{"account_id": accountID, "chat_id": chatID}).
		OrderBy("created_at DESC", "id DESC"))
}

func (s *SQLiteStore) CountSinceSummary(ctx context.Context, accountID, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories
		 WHERE account_id = ? AND chat_id = ? AND kind = 'message'
		   AND created_at > COALESCE(
			(SELECT MAX(span_end) FROM memories
			 WHERE account_id = ? AND chat_id = ? AND kind = 'summary'), -1)`,
		accountID, chatID, accountID, chatID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) OldestMessages(ctx context.Context, accountID, chatID int64, n int) ([]model.MemoryRecord, error) {
	return s.queryMemories(ctx, builder.Select(memoryColumns...).
		From("memories").
		Where(sq.Eq{"account_id": accountID, "chat_id": chatID, "kind": string(model.KindMessage)}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(n)))
}

func (s *SQLiteStore) ReplaceWithSummary(ctx context.Context, p SummaryParams) (*model.MemoryRecord, error) {
	if len(p.ReplacedIDs) == 0 {
		return nil, fmt.Errorf("summary must replace at least one record")
	}
	start, end := p.SpanStart.UTC(), p.SpanEnd.UTC()
	rec := &model.MemoryRecord{
		ID:         s.newID(p.CreatedAt),
		AccountID:  p.AccountID,
		ChatID:     p.ChatID,
		Kind:       model.KindSummary,
		Text:       p.Text,
		Embedding:  p.Embedding,
		CreatedAt:  p.CreatedAt.UTC(),
		Importance: 1.0,
		SpanStart:  &start,
		SpanEnd:    &end,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := execBuilder(ctx, tx, builder.Delete("memories").Where(sq.Eq{
		"account_id": p.AccountID,
		"chat_id":    p.ChatID,
		"kind":       string(model.KindMessage),
		"id":         p.ReplacedIDs,
	}))
	if err != nil {
		return nil, fmt.Errorf("delete span: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(p.ReplacedIDs) {
		return nil, fmt.Errorf("span changed during summarization: deleted %d of %d", n, len(p.ReplacedIDs))
	}

	_, err = execBuilder(ctx, tx, builder.Insert("memories").
		Columns(memoryColumns...).
		Values(rec.ID, rec.AccountID, rec.ChatID, string(rec.Kind), rec.Text, encodeVector(rec.Embedding),
			nanos(rec.CreatedAt), nanos(start), nanos(end)))
	if err != nil {
		return nil, fmt.Errorf("insert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteMemories removes every record of an account, or of one chat when chatID != 0.
func (s *SQLiteStore) DeleteMemories(ctx context.Context, accountID, chatID int64) (int, error) {
	where := sq.Eq{"account_id": accountID}
	if chatID != 0 {
		where["chat_id"] = chatID
	}
	res, err := execBuilder(ctx, s.db, builder.Delete("memories").Where(where))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) queryMemories(ctx context.Context, b sq.SelectBuilder) ([]model.MemoryRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemory(row scanner) (model.MemoryRecord, error) {
	var m model.MemoryRecord
	var kind string
	var blob []byte
	var createdAt int64
	var spanStart, spanEnd sql.NullInt64

	err := row.Scan(&m.ID, &m.AccountID, &m.ChatID, &kind, &m.Text, &blob, &createdAt, &spanStart, &spanEnd)
	if err != nil {
		return m, err
	}
	m.Kind = model.RecordKind(strings.TrimSpace(kind))
	m.Embedding = decodeVector(blob)
	m.CreatedAt = fromNanos(createdAt)
	m.Importance = 1.0
	m.SpanStart = nullNanos(spanStart)
	m.SpanEnd = nullNanos(spanEnd)
	return m, nil
}
