package model

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeStale             Outcome = "stale"
	OutcomeNotEligible       Outcome = "not_eligible"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeBlocked           Outcome = "blocked"
	OutcomeFlagged           Outcome = "flagged"
	OutcomeMemoryDegraded    Outcome = "memory_degraded"
	OutcomeGenerationTimeout Outcome = "generation_timeout"
	OutcomeGenerationFailed  Outcome = "generation_failed"
	OutcomeDeliveryFailed    Outcome = "delivery_failed"
	OutcomeWorkerFault       Outcome = "worker_fault"
	OutcomeSuppressed        Outcome = "suppressed"
	OutcomeDelivered         Outcome = "delivered"
)
