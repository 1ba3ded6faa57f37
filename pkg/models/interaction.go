package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind is the kind of viewer action an interaction event records.
type ActionKind string

const (
	ActionView  ActionKind = "view"
	ActionLike  ActionKind = "like"
	ActionSkip  ActionKind = "skip"
	ActionShare ActionKind = "share"
	ActionHide  ActionKind = "hide"
)

// KnownAction reports whether the action kind is one the optimizer
// understands.
func KnownAction(a ActionKind) bool {
	switch a {
	case ActionView, ActionLike, ActionSkip, ActionShare, ActionHide:
		return true
	}
	return false
}

// InteractionEvent is an immutable fact about a viewer acting on an item.
// Events arrive through the ingestion boundary with at-least-once delivery
// and monotonically non-decreasing timestamps per session.
type InteractionEvent struct {
	ViewerID  uuid.UUID  `json:"viewer_id" validate:"required"`
	ItemID    uuid.UUID  `json:"item_id" validate:"required"`
	SessionID uuid.UUID  `json:"session_id" validate:"required"`
	Action    ActionKind `json:"action" validate:"required,oneof=view like skip share hide"`

	// TimeSpentMs is the dwell time for view actions, in milliseconds.
	TimeSpentMs int64 `json:"time_spent_ms,omitempty" validate:"min=0"`

	// Position is the item's 1-based position in the list when the viewer
	// acted on it.
	Position int `json:"position" validate:"min=1"`

	Topics    []string  `json:"topics,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitFeedbackRequest is the HTTP payload that carries an interaction
// event into the session optimizer.
type SubmitFeedbackRequest struct {
	SessionID uuid.UUID        `json:"session_id" validate:"required"`
	Event     InteractionEvent `json:"event" validate:"required"`
}
