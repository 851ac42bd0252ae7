// Package security screens inbound text for prompt injection and keeps the
// per-sender strike ledger.
package security

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/store"
)

// Kind is the class of a screening verdict.
type Kind int

const (
	Clear Kind = iota
	Flagged
	Blocked
)

func (k Kind) String() string {
	switch k {
	case Flagged:
		return "flagged"
	case Blocked:
		return "blocked"
	default:
		return "clear"
	}
}

// Verdict is the result of Check.
type Verdict struct {
	Kind    Kind
	Pattern string
	Strikes int
	Until   time.Time
}

// FlaggedPolicy decides what happens to a flagged but unblocked message.
type FlaggedPolicy string

const (
	PolicyDrop    FlaggedPolicy = "drop"
	PolicyDeflect FlaggedPolicy = "deflect"
	PolicyAnswer  FlaggedPolicy = "answer"
)

// ParseFlaggedPolicy maps a config value to a policy. Empty means drop.
func ParseFlaggedPolicy(s string) (FlaggedPolicy, error) {
	switch p := FlaggedPolicy(s); p {
	case "":
		return PolicyDrop, nil
	case PolicyDrop, PolicyDeflect, PolicyAnswer:
		return p, nil
	default:
		return "", fmt.Errorf("unknown flagged policy %q", s)
	}
}

// Ladder maps a strike count to a block duration. Entry i applies to
// strike i+1; counts past the end use the last entry.
type Ladder []time.Duration

// DefaultLadder warns on the first strike, then blocks for 5m, 1h and 24h.
var DefaultLadder = Ladder{0, 5 * time.Minute, time.Hour, 24 * time.Hour}

// Validate checks that the ladder is non-decreasing and non-negative.
func (l Ladder) Validate() error {
	for i, d := range l {
		if d < 0 {
			return fmt.Errorf("ladder step %d is negative", i)
		}
		if i > 0 && d < l[i-1] {
			return fmt.Errorf("ladder must be non-decreasing (step %d)", i)
		}
	}
	return nil
}

// BlockFor returns the block duration for a strike count.
func (l Ladder) BlockFor(strikes int) time.Duration {
	if strikes <= 0 || len(l) == 0 {
		return 0
	}
	if strikes > len(l) {
		strikes = len(l)
	}
	return l[strikes-1]
}

// Screen checks inbound text against the patterns and records strikes.
type Screen struct {
	ledger   store.SecurityLedger
	patterns []Pattern
	ladder   Ladder
	clock    clock.Clock
	log      *zap.Logger
}

// NewScreen creates a screen. An empty ladder uses DefaultLadder.
func NewScreen(ledger store.SecurityLedger, patterns []Pattern, ladder Ladder, clk clock.Clock, log *zap.Logger) (*Screen, error) {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Screen{ledger: ledger, patterns: patterns, ladder: ladder, clock: clk, log: log.Named("security")}, nil
}

// Check returns Blocked without matching when the sender is blocked;
// otherwise a pattern match records a strike and yields Flagged, or
// Blocked when the new strike count imposes a block.
func (s *Screen) Check(ctx context.Context, accountID, senderID int64, text string) (Verdict, error) {
	v, err := s.Blocked(ctx, accountID, senderID)
	if err != nil || v.Kind == Blocked {
		return v, err
	}

	pattern, ok := s.match(text)
	if !ok {
		return v, nil
	}

	now := s.clock.Now()
	st, err := s.ledger.RecordViolation(ctx, accountID, senderID, now, s.ladder.BlockFor)
	if err != nil {
		return Verdict{}, fmt.Errorf("record violation: %w", err)
	}

	v = Verdict{Kind: Flagged, Pattern: pattern, Strikes: st.Strikes}
	if st.Blocked(now) {
		v.Kind = Blocked
		v.Until = *st.BlockedUntil
	}
	s.log.Warn("injection pattern matched",
		zap.Int64("account", accountID),
		zap.Int64("sender", senderID),
		zap.String("pattern", pattern),
		zap.Int("strikes", v.Strikes),
		zap.Stringer("verdict", v.Kind))
	return v, nil
}

// Blocked reports the sender's current block without matching any text or
// recording anything. The verdict is Blocked or Clear.
func (s *Screen) Blocked(ctx context.Context, accountID, senderID int64) (Verdict, error) {
	st, err := s.ledger.GetSecurityState(ctx, accountID, senderID)
	if err != nil {
		return Verdict{}, fmt.Errorf("security state: %w", err)
	}
	if st.Blocked(s.clock.Now()) {
		return Verdict{Kind: Blocked, Strikes: st.Strikes, Until: *st.BlockedUntil}, nil
	}
	return Verdict{Kind: Clear, Strikes: st.Strikes}, nil
}

func (s *Screen) match(text string) (string, bool) {
	norm := normalize(text)
	for _, p := range s.patterns {
		if p.Match(norm) {
			return p.Name, true
		}
	}
	return "", false
}

// Reset clears a sender's strikes and block.
func (s *Screen) Reset(ctx context.Context, accountID, senderID int64) error {
	if err := s.ledger.ResetSecurityState(ctx, accountID, senderID); err != nil {
		return fmt.Errorf("reset security state: %w", err)
	}
	s.log.Info("sender unblocked", zap.Int64("account", accountID), zap.Int64("sender", senderID))
	return nil
}
