package worker

import (
	"sync"
	"time"

	"github.com/rcliao/persona-fleet/internal/model"
)

// Stats counts turn outcomes for one account.
type Stats struct {
	mu       sync.Mutex
	counts   map[model.Outcome]int64
	degraded int64
	lastTurn time.Time
}

func newStats() *Stats {
	return &Stats{counts: make(map[model.Outcome]int64)}
}

func (s *Stats) record(o model.Outcome, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[o]++
	s.lastTurn = at
}

func (s *Stats) recordDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded++
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Outcomes       map[model.Outcome]int64 `json:"outcomes"`
	MemoryDegraded int64                   `json:"memory_degraded"`
	LastTurn       time.Time               `json:"last_turn,omitempty"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		Outcomes:       make(map[model.Outcome]int64, len(s.counts)),
		MemoryDegraded: s.degraded,
		LastTurn:       s.lastTurn,
	}
	for k, v := range s.counts {
		out.Outcomes[k] = v
	}
	return out
}
