package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/persona-fleet/internal/model"
)

func (s *SQLiteStore) AppendHistory(ctx context.Context, m model.HistoryMessage) error {
	_, err := execBuilder(ctx, s.db, builder.Insert("messages").
		Columns("account_id", "chat_id", "role", "sender_name", "text", "created_at").
		Values(m.AccountID, m.ChatID, string(m.Role), m.SenderName, m.Text, nanos(m.CreatedAt)))
	return err
}

// RecentHistory returns the last limit messages of a chat in chronological order.
func (s *SQLiteStore) RecentHistory(ctx context.Context, accountID, chatID int64, limit int) ([]model.HistoryMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := builder.Select("role", "sender_name", "text", "created_at").
		From("messages").
		Where(sq.Eq{"account_id": accountID, "chat_id": chatID}).
		OrderBy("id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryMessage
	for rows.Next() {
		m := model.HistoryMessage{AccountID: accountID, ChatID: chatID}
		var role string
		var name sql.NullString
		var created int64
		if err := rows.Scan(&role, &name, &m.Text, &created); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		m.SenderName = name.String
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneHistory keeps the newest keep messages per chat of an account.
func (s *SQLiteStore) PruneHistory(ctx context.Context, accountID, chatID int64, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (
			SELECT id FROM messages WHERE account_id = ? AND chat_id = ?
			ORDER BY id DESC LIMIT -1 OFFSET ?)`,
		accountID, chatID, keep)
	return err
}
