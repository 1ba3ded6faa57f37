package models

import (
	"time"

	"github.com/google/uuid"
)

// ContentItem is a ranking candidate. Items are produced by the content
// authoring subsystem and are read-only to the ranking engine.
type ContentItem struct {
	ID          uuid.UUID `json:"id" db:"id"`
	AuthorID    uuid.UUID `json:"author_id" db:"author_id" validate:"required"`
	ContentType string    `json:"content_type" db:"content_type" validate:"required,oneof=post video article"`
	TextLength  int       `json:"text_length" db:"text_length"`
	Topics      []string  `json:"topics,omitempty" db:"topics"`

	// Raw engagement counters at ranking time.
	Likes   int64 `json:"likes" db:"likes"`
	Reposts int64 `json:"reposts" db:"reposts"`
	Replies int64 `json:"replies" db:"replies"`
	Views   int64 `json:"views" db:"views"`

	// TrendBoost is the externally supplied trend velocity for the item's
	// strongest topic, when known at ingestion time. Zero means no signal.
	TrendBoost float64 `json:"trend_boost,omitempty" db:"trend_boost"`

	// Embedding is used for similarity and diversity checks only.
	Embedding []float32 `json:"-" db:"embedding"`

	CreatedAt time.Time `json:"created_at" db:"created_at" validate:"required"`
}

// Valid reports whether the item carries the fields the ranking engine
// requires. Items failing this are excluded and logged, never fatal to
// the batch.
func (c *ContentItem) Valid() bool {
	return c.ID != uuid.Nil && c.AuthorID != uuid.Nil && !c.CreatedAt.IsZero()
}

// AgeHours returns the item age in hours at the given instant. Ages in
// the future clamp to zero.
func (c *ContentItem) AgeHours(now time.Time) float64 {
	age := now.Sub(c.CreatedAt).Hours()
	if age < 0 {
		return 0
	}
	return age
}
