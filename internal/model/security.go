package model

import "time"

// SecurityState is the strike ledger entry for one sender.
type SecurityState struct {
	AccountID     int64      `json:"account_id"`
	SenderID      int64      `json:"sender_id"`
	Strikes       int        `json:"strikes"`
	LastViolation *time.Time `json:"last_violation,omitempty"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
}

// Blocked reports whether the sender is blocked at now.
func (s SecurityState) Blocked(now time.Time) bool {
	return s.BlockedUntil != nil && s.BlockedUntil.After(now)
}
