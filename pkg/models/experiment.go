package models

import "time"

// ExperimentStatus is the lifecycle state of a ranking experiment.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

// ExperimentVariant is one ranking configuration under test.
type ExperimentVariant struct {
	ID             string         `json:"id" validate:"required"`
	Name           string         `json:"name" validate:"required"`
	WeightOverride ScoringWeights `json:"weight_override"`

	// TrafficAllocation is the variant's share of enrolled viewers, in
	// [0,1]. Allocations across variants must sum to 1.
	TrafficAllocation float64 `json:"traffic_allocation" validate:"min=0,max=1"`
	IsControl         bool    `json:"is_control"`
}

// VariantMetrics are running aggregates over ended sessions assigned to a
// variant. EMA fields use the experiment's smoothing factor; counters are
// simple sums.
type VariantMetrics struct {
	VariantID    string `json:"variant_id"`
	Sessions     int64  `json:"sessions"`
	Impressions  int64  `json:"impressions"`
	Interactions int64  `json:"interactions"`

	Engagement   float64 `json:"engagement"`   // EMA of session interaction rate
	Retention    float64 `json:"retention"`    // EMA of normalized session duration
	Satisfaction float64 `json:"satisfaction"` // EMA of session satisfaction

	LastUpdated time.Time `json:"last_updated"`
}

// VariantComparison is a two-proportion significance test of a variant
// against the control.
type VariantComparison struct {
	ControlID     string  `json:"control_id"`
	VariantID     string  `json:"variant_id"`
	Metric        string  `json:"metric"`
	PValue        float64 `json:"p_value"`
	Effect        float64 `json:"effect"`
	IsSignificant bool    `json:"is_significant"`
}

// Experiment is a controlled comparison between ranking variants.
type Experiment struct {
	ID       string              `json:"id"`
	Name     string              `json:"name" validate:"required"`
	Status   ExperimentStatus    `json:"status"`
	Variants []ExperimentVariant `json:"variants" validate:"required,min=2,dive"`

	// SampleSize is the target number of ended sessions per variant.
	SampleSize int64 `json:"sample_size" validate:"gt=0"`

	// ConfidenceLevel is strictly between 0 and 1.
	ConfidenceLevel float64 `json:"confidence_level" validate:"gt=0,lt=1"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ExperimentResults is the read-only view returned to callers.
type ExperimentResults struct {
	Experiment  Experiment                 `json:"experiment"`
	Metrics     map[string]*VariantMetrics `json:"metrics"`
	Comparisons []VariantComparison        `json:"comparisons,omitempty"`
}
