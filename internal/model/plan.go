package model

import "time"

// SendMode is chosen once per turn.
type SendMode int

const (
	SendStandalone SendMode = iota
	SendAsReply
)

func (m SendMode) String() string {
	if m == SendAsReply {
		return "reply"
	}
	return "standalone"
}

// Distraction describes an interrupted typing session.
type Distraction struct {
	After time.Duration
	Pause time.Duration
}

// PlannedChunk is one outbound message and its timing.
type PlannedChunk struct {
	Text            string
	ReadDelay       time.Duration
	InterChunkPause time.Duration
	Typing          time.Duration
	Distraction     *Distraction
}

// DeliveryPlan is produced once per accepted turn and consumed once.
type DeliveryPlan struct {
	Mode   SendMode
	Chunks []PlannedChunk
}
