package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of an account's worker.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Humanization holds the per-account timing and behaviour knobs.
type Humanization struct {
	MinReadDelay        time.Duration `json:"min_read_delay"`
	MaxReadDelay        time.Duration `json:"max_read_delay"`
	TypingSpeedCPM      int           `json:"typing_speed_cpm"`
	ReplyProbability    float64       `json:"reply_probability"`
	ResponseProbability float64       `json:"response_probability"`
	AlwaysRespondInPM   bool          `json:"always_respond_in_pm"`
	IgnoreOlderThan     time.Duration `json:"ignore_older_than"`
}

// DefaultHumanization mirrors the values new accounts are created with.
func DefaultHumanization() Humanization {
	return Humanization{
		MinReadDelay:        5 * time.Second,
		MaxReadDelay:        60 * time.Second,
		TypingSpeedCPM:      300,
		ReplyProbability:    0.5,
		ResponseProbability: 1.0,
		AlwaysRespondInPM:   true,
		IgnoreOlderThan:     5 * time.Minute,
	}
}

// Account is one automated chat identity.
type Account struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	PersonaName  string       `json:"persona,omitempty"`
	Active       bool         `json:"active"`
	Humanization Humanization `json:"humanization"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Persona is the tagged configuration describing how an account talks.
type Persona struct {
	Name        string   `json:"name" yaml:"name"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name"`
	Rules       string   `json:"rules" yaml:"rules"`
	Examples    []string `json:"examples,omitempty" yaml:"examples"`
	Triggers    []string `json:"triggers,omitempty" yaml:"triggers"`
}
