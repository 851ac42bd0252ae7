package gate

import (
	"sync"
	"time"
)

type senderKey struct {
	accountID int64
	senderID  int64
}

// RateLimiter is a per-sender sliding-window flood control. Entries older
// than the window are pruned on every access. Safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[senderKey][]time.Time
}

// NewRateLimiter allows at most limit events per sender per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[senderKey][]time.Time),
	}
}

// Allow reports whether the sender may pass at now and, if so, records now.
func (r *RateLimiter) Allow(accountID, senderID int64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := senderKey{accountID, senderID}
	hits := prune(r.hits[k], now.Add(-r.window))
	if len(hits) >= r.limit {
		r.hits[k] = hits
		return false
	}
	r.hits[k] = append(hits, now)
	return true
}

// Count returns the number of recorded events inside the window at now.
func (r *RateLimiter) Count(accountID, senderID int64, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := senderKey{accountID, senderID}
	hits := prune(r.hits[k], now.Add(-r.window))
	if len(hits) == 0 {
		delete(r.hits, k)
		return 0
	}
	r.hits[k] = hits
	return len(hits)
}

// Sweep drops senders with no events inside the window.
func (r *RateLimiter) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	for k, hits := range r.hits {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(r.hits, k)
		} else {
			r.hits[k] = hits
		}
	}
}

// prune drops timestamps at or before cutoff. hits is sorted ascending.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

type chatKey struct {
	accountID int64
	chatID    int64
}

// Cooldown enforces a minimum gap between accepted turns in one chat.
type Cooldown struct {
	mu   sync.Mutex
	last map[chatKey]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[chatKey]time.Time)}
}

// Active reports whether the chat is still cooling down at now.
func (c *Cooldown) Active(accountID, chatID int64, d time.Duration, now time.Time) bool {
	if d <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[chatKey{accountID, chatID}]
	return ok && now.Sub(last) < d
}

// Mark records an accepted turn at now.
func (c *Cooldown) Mark(accountID, chatID int64, now time.Time) {
	c.mu.Lock()
	c.last[chatKey{accountID, chatID}] = now
	c.mu.Unlock()
}
