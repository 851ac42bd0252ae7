package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/persona-fleet/internal/model"
)

func (s *SQLiteStore) GetSecurityState(ctx context.Context, accountID, senderID int64) (model.SecurityState, error) {
	st := model.SecurityState{AccountID: accountID, SenderID: senderID}
	var last, until sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT strikes, last_violation, blocked_until FROM security_state
		 WHERE account_id = ? AND sender_id = ?`, accountID, senderID).Scan(&st.Strikes, &last, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get security state: %w", err)
	}
	st.LastViolation = nullNanos(last)
	st.BlockedUntil = nullNanos(until)
	return st, nil
}

func (s *SQLiteStore) RecordViolation(ctx context.Context, accountID, senderID int64, now time.Time, blockFor func(strikes int) time.Duration) (model.SecurityState, error) {
	st := model.SecurityState{AccountID: accountID, SenderID: senderID}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer tx.Rollback()

	var until sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO security_state (account_id, sender_id, strikes, last_violation)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT (account_id, sender_id) DO UPDATE SET
			strikes = strikes + 1,
			last_violation = excluded.last_violation
		 RETURNING strikes, blocked_until`,
		accountID, senderID, nanos(now)).Scan(&st.Strikes, &until)
	if err != nil {
		return st, fmt.Errorf("record violation: %w", err)
	}

	if d := blockFor(st.Strikes); d > 0 {
		candidate := nanos(now.Add(d))
		if !until.Valid || candidate > until.Int64 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE security_state SET blocked_until = ? WHERE account_id = ? AND sender_id = ?`,
				candidate, accountID, senderID); err != nil {
				return st, fmt.Errorf("extend block: %w", err)
			}
			until = sql.NullInt64{Int64: candidate, Valid: true}
		}
	}

	if err := tx.Commit(); err != nil {
		return st, err
	}

	t := now.UTC()
	st.LastViolation = &t
	st.BlockedUntil = nullNanos(until)
	return st, nil
}

func (s *SQLiteStore) ResetSecurityState(ctx context.Context, accountID, senderID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM security_state WHERE account_id = ? AND sender_id = ?`, accountID, senderID)
	return err
}

// ListBlocked returns senders blocked at now for an account.
func (s *SQLiteStore) ListBlocked(ctx context.Context, accountID int64, now time.Time) ([]model.SecurityState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, strikes, last_violation, blocked_until FROM security_state
		 WHERE account_id = ? AND blocked_until > ? ORDER BY blocked_until DESC`,
		accountID, nanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SecurityState
	for rows.Next() {
		st := model.SecurityState{AccountID: accountID}
		var last, until sql.NullInt64
		if err := rows.Scan(&st.SenderID, &st.Strikes, &last, &until); err != nil {
			return nil, err
		}
		st.LastViolation = nullNanos(last)
		st.BlockedUntil = nullNanos(until)
		out = append(out, st)
	}
	return out, rows.Err()
}
