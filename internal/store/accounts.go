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

// PutAccountParams holds parameters for creating or updating an account.
type PutAccountParams struct {
	ID           int64
	Name         string
	PersonaName  string
	Active       bool
	Humanization model.Humanization
}

var accountColumns = []string{
	"id", "name", "persona", "active", "min_read_delay_ms", "max_read_delay_ms", "typing_speed_cpm",
	"reply_probability", "response_probability", "always_respond_in_pm", "ignore_older_than_ms",
	"created_at", "updated_at",
}

// PutAccount inserts an account or updates the one with the same id.
func (s *SQLiteStore) PutAccount(ctx context.Context, p PutAccountParams) (*model.Account, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("account name is required")
	}
	h := p.Humanization
	if h.MinReadDelay > h.MaxReadDelay {
		return nil, fmt.Errorf("min read delay %v exceeds max %v", h.MinReadDelay, h.MaxReadDelay)
	}
	if h.TypingSpeedCPM <= 0 {
		return nil, fmt.Errorf("typing speed must be positive")
	}
	now := nanos(time.Now())

	var persona *string
	if p.PersonaName != "" {
		persona = &p.PersonaName
	}

	var id interface{}
	if p.ID != 0 {
		id = p.ID
	}

	query, args, err := builder.Insert("accounts").
		Columns(accountColumns...).
		Values(id, p.Name, persona, boolInt(p.Active),
			h.MinReadDelay.Milliseconds(), h.MaxReadDelay.Milliseconds(), h.TypingSpeedCPM,
			h.ReplyProbability, h.ResponseProbability, boolInt(h.AlwaysRespondInPM), h.IgnoreOlderThan.Milliseconds(),
			now, now).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, persona = excluded.persona, active = excluded.active,
			min_read_delay_ms = excluded.min_read_delay_ms, max_read_delay_ms = excluded.max_read_delay_ms,
			typing_speed_cpm = excluded.typing_speed_cpm, reply_probability = excluded.reply_probability,
			response_probability = excluded.response_probability,
			always_respond_in_pm = excluded.always_respond_in_pm,
			ignore_older_than_ms = excluded.ignore_older_than_ms, updated_at = excluded.updated_at
			RETURNING id`).
		ToSql()
	if err != nil {
		return nil, err
	}

	var newID int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&newID); err != nil {
		return nil, fmt.Errorf("put account: %w", err)
	}
	return s.GetAccount(ctx, newID)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	query, args, err := builder.Select(accountColumns...).From("accounts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns all accounts, or only active ones.
func (s *SQLiteStore) ListAccounts(ctx context.Context, activeOnly bool) ([]model.Account, error) {
	b := builder.Select(accountColumns...).From("accounts").OrderBy("id")
	if activeOnly {
		b = b.Where(sq.Eq{"active": 1})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountActive toggles whether the fleet starts the account.
func (s *SQLiteStore) SetAccountActive(ctx context.Context, id int64, active bool) error {
	res, err := execBuilder(ctx, s.db, builder.Update("accounts").
		Set("active", boolInt(active)).
		Set("updated_at", nanos(time.Now())).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAccount removes an account and, through cascades, its policies,
// memories, security state and history. Callers must stop the worker first.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id int64) error {
	res, err := execBuilder(ctx, s.db, builder.Delete("accounts").Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	var persona sql.NullString
	var active, pm int
	var minMS, maxMS, ignoreMS, created, updated int64

	err := row.Scan(&a.ID, &a.Name, &persona, &active, &minMS, &maxMS, &a.Humanization.TypingSpeedCPM,
		&a.Humanization.ReplyProbability, &a.Humanization.ResponseProbability, &pm, &ignoreMS,
		&created, &updated)
	if err != nil {
		return a, err
	}
	a.PersonaName = persona.String
	a.Active = active == 1
	a.Humanization.MinReadDelay = time.Duration(minMS) * time.Millisecond
	a.Humanization.MaxReadDelay = time.Duration(maxMS) * time.Millisecond
	a.Humanization.AlwaysRespondInPM = pm == 1
	a.Humanization.IgnoreOlderThan = time.Duration(ignoreMS) * time.Millisecond
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

// PutPersona inserts or replaces a persona.
func (s *SQLiteStore) PutPersona(ctx context.Context, p model.Persona) error {
	if p.Name == "" || p.Rules == "" {
		return fmt.Errorf("persona name and rules are required")
	}
	_, err := execBuilder(ctx, s.db, builder.Insert("personas").
		Columns("name", "display_name", "rules", "examples", "triggers", "updated_at").
		Values(p.Name, p.DisplayName, p.Rules, encodeStrings(p.Examples), encodeStrings(p.Triggers), nanos(time.Now())).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			display_name = excluded.display_name, rules = excluded.rules,
			examples = excluded.examples, triggers = excluded.triggers, updated_at = excluded.updated_at`))
	return err
}

func (s *SQLiteStore) GetPersona(ctx context.Context, name string) (*model.Persona, error) {
	var p model.Persona
	var display, examples, triggers sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, display_name, rules, examples, triggers FROM personas WHERE name = ?`, name).
		Scan(&p.Name, &display, &p.Rules, &examples, &triggers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persona %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.DisplayName = display.String
	p.Examples = decodeStrings(examples)
	p.Triggers = decodeStrings(triggers)
	return &p, nil
}

// ListPersonas returns persona names in alphabetical order.
func (s *SQLiteStore) ListPersonas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM personas ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
