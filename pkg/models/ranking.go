package models

import (
	"time"

	"github.com/google/uuid"
)

// RankedResult is the per-item output record of a ranking pass. SubScores
// are populated only when the caller asks for debug detail; results are
// never persisted long-term.
type RankedResult struct {
	ItemID    uuid.UUID     `json:"item_id"`
	AuthorID  uuid.UUID     `json:"author_id"`
	Score     float64       `json:"score"`
	Position  int           `json:"position"`
	Discovery bool          `json:"discovery,omitempty"`
	SubScores *FactorScores `json:"sub_scores,omitempty"`
}

// FeedMetadata describes how a ranked feed was produced.
type FeedMetadata struct {
	TotalScore         float64   `json:"total_score"`
	WeightsVersion     int64     `json:"weights_version"`
	VariantID          string    `json:"variant_id,omitempty"`
	CacheHit           bool      `json:"cache_hit"`
	Degraded           bool      `json:"degraded"`
	DegradedSubsystems []string  `json:"degraded_subsystems,omitempty"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// RankedFeed is the full response of a ranking request.
type RankedFeed struct {
	ViewerID uuid.UUID      `json:"viewer_id"`
	Results  []RankedResult `json:"results"`
	Metadata FeedMetadata   `json:"metadata"`
}

// RankOptions are caller-supplied ranking parameters. Structural
// violations here are rejected, never silently clamped.
type RankOptions struct {
	Limit                    int     `json:"limit" validate:"min=1,max=200"`
	SessionID                string  `json:"session_id,omitempty"`
	MaxConsecutiveSameAuthor int     `json:"max_consecutive_same_author,omitempty" validate:"min=0,max=10"`
	DiscoveryRatio           float64 `json:"discovery_ratio" validate:"min=0,max=1"`
	IncludeSubScores         bool    `json:"include_sub_scores"`
}

// RankRequest is the HTTP payload for a ranking call. Candidate
// selection happens upstream; the engine ranks what it is given.
type RankRequest struct {
	ViewerID   uuid.UUID     `json:"viewer_id" validate:"required"`
	Candidates []ContentItem `json:"candidates" validate:"required,min=1"`
	Options    RankOptions   `json:"options"`
}
