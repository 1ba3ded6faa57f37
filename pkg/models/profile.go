package models

import (
	"time"

	"github.com/google/uuid"
)

// Affinity is a decaying preference score for a topic or author key.
type Affinity struct {
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PersonalizationProfile is a viewer's learned weight vector and
// topic/author affinity map. It is created with cold-start defaults on
// the first ranking request and mutated by the session optimizer.
type PersonalizationProfile struct {
	ViewerID uuid.UUID      `json:"viewer_id" db:"viewer_id"`
	Weights  ScoringWeights `json:"weights" db:"weights"`

	// WeightsVersion increments on every applied update and participates
	// in feed cache keys so stale rankings are never served.
	WeightsVersion int64 `json:"weights_version" db:"weights_version"`

	// Affinities maps canonical "topic:x" / "author:<uuid>" keys to
	// preference scores in [0,1].
	Affinities map[string]Affinity `json:"affinities" db:"affinities"`

	ColdStart bool      `json:"cold_start"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewProfile returns a cold-start profile with population-default weights.
func NewProfile(viewerID uuid.UUID) *PersonalizationProfile {
	now := time.Now()
	return &PersonalizationProfile{
		ViewerID:   viewerID,
		Weights:    DefaultWeights(),
		Affinities: make(map[string]Affinity),
		ColdStart:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy safe for concurrent readers.
func (p *PersonalizationProfile) Clone() *PersonalizationProfile {
	out := *p
	out.Affinities = make(map[string]Affinity, len(p.Affinities))
	for k, v := range p.Affinities {
		out.Affinities[k] = v
	}
	return &out
}
