package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a viewer session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionIdle   SessionState = "idle"
	SessionEnded  SessionState = "ended"
)

// SessionMetrics are rolling engagement metrics recomputed from a sliding
// window of recent actions so recent behavior dominates.
type SessionMetrics struct {
	ClickThroughRate float64 `json:"click_through_rate"`
	InteractionRate  float64 `json:"interaction_rate"`
	TimePerItemMs    float64 `json:"time_per_item_ms"`
	Satisfaction     float64 `json:"satisfaction"` // [0,1]
}

// SessionAction is one entry in a session's bounded action log.
type SessionAction struct {
	ItemID    uuid.UUID  `json:"item_id"`
	Action    ActionKind `json:"action"`
	Reward    float64    `json:"reward"`
	Position  int        `json:"position"`
	DwellMs   int64      `json:"dwell_ms"`
	Timestamp time.Time  `json:"timestamp"`
}

// Session is an ephemeral single-viewer, single-device unit of activity.
// All mutation happens on the session's own actor goroutine.
type Session struct {
	ID           uuid.UUID    `json:"id"`
	ViewerID     uuid.UUID    `json:"viewer_id"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	LastActivity time.Time    `json:"last_activity"`

	// Actions is the bounded most-recent-N action log.
	Actions []SessionAction `json:"actions"`

	Metrics SessionMetrics `json:"metrics"`

	// Weights is the live, possibly experiment-adjusted vector for this
	// session.
	Weights ScoringWeights `json:"weights"`

	// Experiment enrollment, when the viewer is assigned to a running
	// ranking experiment.
	ExperimentID string `json:"experiment_id,omitempty"`
	VariantID    string `json:"variant_id,omitempty"`
}

// TerminalSessionRecord is what gets flushed to durable storage when a
// session ends.
type TerminalSessionRecord struct {
	SessionID    uuid.UUID      `json:"session_id"`
	ViewerID     uuid.UUID      `json:"viewer_id"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	ActionCount  int            `json:"action_count"`
	Metrics      SessionMetrics `json:"metrics"`
	Weights      ScoringWeights `json:"weights"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	VariantID    string         `json:"variant_id,omitempty"`
}
