package store

import (
	"context"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Stats holds database statistics.
type Stats struct {
	DBPath          string      `json:"db_path"`
	DBSizeBytes     int64       `json:"db_size_bytes"`
	Accounts        int         `json:"accounts"`
	TotalMemories   int         `json:"total_memories"`
	TotalSummaries  int         `json:"total_summaries"`
	HistoryMessages int         `json:"history_messages"`
	BlockedSenders  int         `json:"blocked_senders"`
	Chats           []ChatStats `json:"chats"`
}

// ChatStats holds per-chat memory counts.
type ChatStats struct {
	AccountID int64 `json:"account_id"`
	ChatID    int64 `json:"chat_id"`
	Memories  int   `json:"memories"`
	Summaries int   `json:"summaries"`
}

// Stats returns database statistics, optionally for one account.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string, accountID int64, now time.Time) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	scoped := func(b sq.SelectBuilder) sq.SelectBuilder {
		if accountID != 0 {
			return b.Where(sq.Eq{"account_id": accountID})
		}
		return b
	}
	count := func(b sq.SelectBuilder, dst *int) error {
		query, args, err := b.ToSql()
		if err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, query, args...).Scan(dst)
	}

	accounts := builder.Select("COUNT(*)").From("accounts")
	if accountID != 0 {
		accounts = accounts.Where(sq.Eq{"id": accountID})
	}
	counts := []struct {
		b   sq.SelectBuilder
		dst *int
	}{
		{accounts, &st.Accounts},
		{scoped(builder.Select("COUNT(*)").From("memories").Where(sq.Eq{"kind": "message"})), &st.TotalMemories},
		{scoped(builder.Select("COUNT(*)").From("memories").Where(sq.Eq{"kind": "summary"})), &st.TotalSummaries},
		{scoped(builder.Select("COUNT(*)").From("messages")), &st.HistoryMessages},
		{scoped(builder.Select("COUNT(*)").From("security_state").Where(sq.Gt{"blocked_until": nanos(now)})), &st.BlockedSenders},
	}
	for _, c := range counts {
		if err := count(c.b, c.dst); err != nil {
			return st, err
		}
	}

	query, args, err := scoped(builder.
		Select("account_id", "chat_id",
			"SUM(CASE WHEN kind = 'message' THEN 1 ELSE 0 END)",
			"SUM(CASE WHEN kind = 'summary' THEN 1 ELSE 0 END)").
		From("memories").
		GroupBy("account_id", "chat_id").
		OrderBy("COUNT(*) DESC")).ToSql()
	if err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var cs ChatStats
		if err := rows.Scan(&cs.AccountID, &cs.ChatID, &cs.Memories, &cs.Summaries); err != nil {
			return st, err
		}
		st.Chats = append(st.Chats, cs)
	}
	return st, rows.Err()
}
