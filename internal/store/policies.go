package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rcliao/persona-fleet/internal/model"
)

var policyColumns = []string{
	"account_id", "chat_id", "enabled", "reply_mode", "triggers",
	"cooldown_ms", "memory_enabled", "context_depth", "web_search",
}

// PutChatPolicy inserts or replaces the policy for (account, chat).
func (s *SQLiteStore) PutChatPolicy(ctx context.Context, p model.ChatPolicy) error {
	switch p.ReplyMode {
	case model.ModeMentionOnly, model.ModeAllMessages:
	default:
		return fmt.Errorf("invalid reply mode %q", p.ReplyMode)
	}
	if p.ContextDepth < 0 || p.Cooldown < 0 {
		return fmt.Errorf("context depth and cooldown must be non-negative")
	}
	_, err := execBuilder(ctx, s.db, builder.Insert("chat_policies").
		Columns(policyColumns...).
		Values(p.AccountID, p.ChatID, boolInt(p.Enabled), string(p.ReplyMode), encodeStrings(p.Triggers),
			p.Cooldown.Milliseconds(), boolInt(p.MemoryEnabled), p.ContextDepth, boolInt(p.WebSearch)).
		Suffix(`ON CONFLICT (account_id, chat_id) DO UPDATE SET
			enabled = excluded.enabled, reply_mode = excluded.reply_mode, triggers = excluded.triggers,
			cooldown_ms = excluded.cooldown_ms, memory_enabled = excluded.memory_enabled,
			context_depth = excluded.context_depth, web_search = excluded.web_search`))
	if err != nil {
		return fmt.Errorf("put chat policy: %w", err)
	}
	return nil
}

// GetChatPolicy returns the stored policy, or ErrNotFound.
func (s *SQLiteStore) GetChatPolicy(ctx context.Context, accountID, chatID int64) (*model.ChatPolicy, error) {
	query, args, err := builder.Select(policyColumns...).From("chat_policies").
		Where(sq.Eq{"account_id": accountID, "chat_id": chatID}).ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat policy %d/%d: %w", accountID, chatID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListChatPolicies(ctx context.Context, accountID int64) ([]model.ChatPolicy, error) {
	query, args, err := builder.Select(policyColumns...).From("chat_policies").
		Where(sq.Eq{"account_id": accountID}).OrderBy("chat_id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChatPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row scanner) (model.ChatPolicy, error) {
	var p model.ChatPolicy
	var enabled, memory, web int
	var mode string
	var triggers sql.NullString
	var cooldownMS int64
	err := row.Scan(&p.AccountID, &p.ChatID, &enabled, &mode, &triggers, &cooldownMS, &memory, &p.ContextDepth, &web)
	if err != nil {
		return p, err
	}
	p.Enabled = enabled == 1
	p.ReplyMode = model.ReplyMode(mode)
	p.Triggers = decodeStrings(triggers)
	p.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	p.MemoryEnabled = memory == 1
	p.WebSearch = web == 1
	return p, nil
}
