package models

import "math"

// Factor identifies one of the fixed scoring factors. Keeping this as an
// enum instead of string map keys means weight math can use static loops
// and factor names are checked at compile time.
type Factor int

const (
	FactorRelevance Factor = iota
	FactorSocial
	FactorFreshness
	FactorQuality
	FactorDiversity
	FactorTrending

	FactorCount
)

// String returns the factor name as used in config and API responses.
func (f Factor) String() string {
	switch f {
	case FactorRelevance:
		return "relevance"
	case FactorSocial:
		return "social"
	case FactorFreshness:
		return "freshness"
	case FactorQuality:
		return "quality"
	case FactorDiversity:
		return "diversity"
	case FactorTrending:
		return "trending"
	default:
		return "unknown"
	}
}

// Factors lists all scoring factors in canonical order.
func Factors() []Factor {
	return []Factor{
		FactorRelevance, FactorSocial, FactorFreshness,
		FactorQuality, FactorDiversity, FactorTrending,
	}
}

// ScoringWeights is a normalized weight vector over the scoring factors.
// Entries are kept in [0,1] and sum to 1 after every Normalize call.
type ScoringWeights struct {
	Relevance float64 `json:"relevance"`
	Social    float64 `json:"social"`
	Freshness float64 `json:"freshness"`
	Quality   float64 `json:"quality"`
	Diversity float64 `json:"diversity"`
	Trending  float64 `json:"trending"`
}

// DefaultWeights returns the population cold-start weights. Cold-start
// viewers bias toward trending and confidently-good engagement.
func DefaultWeights() ScoringWeights {
	return ScoringWeights{
		Relevance: 0.25,
		Social:    0.15,
		Freshness: 0.20,
		Quality:   0.15,
		Diversity: 0.10,
		Trending:  0.15,
	}
}

// Get returns the weight for a factor. Unknown factors return 0.
func (w ScoringWeights) Get(f Factor) float64 {
	switch f {
	case FactorRelevance:
		return w.Relevance
	case FactorSocial:
		return w.Social
	case FactorFreshness:
		return w.Freshness
	case FactorQuality:
		return w.Quality
	case FactorDiversity:
		return w.Diversity
	case FactorTrending:
		return w.Trending
	default:
		return 0
	}
}

// Set assigns the weight for a factor.
func (w *ScoringWeights) Set(f Factor, v float64) {
	switch f {
	case FactorRelevance:
		w.Relevance = v
	case FactorSocial:
		w.Social = v
	case FactorFreshness:
		w.Freshness = v
	case FactorQuality:
		w.Quality = v
	case FactorDiversity:
		w.Diversity = v
	case FactorTrending:
		w.Trending = v
	}
}

// Sum returns the total of all weight entries.
func (w ScoringWeights) Sum() float64 {
	return w.Relevance + w.Social + w.Freshness + w.Quality + w.Diversity + w.Trending
}

// Normalize clamps negative or non-finite entries to 0 and rescales the
// vector to sum to 1. A degenerate all-zero vector falls back to defaults.
func (w *ScoringWeights) Normalize() {
	for _, f := range Factors() {
		v := w.Get(f)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			w.Set(f, 0)
		}
	}

	sum := w.Sum()
	if sum <= 0 {
		*w = DefaultWeights()
		return
	}

	for _, f := range Factors() {
		w.Set(f, w.Get(f)/sum)
	}
}

// IsNormalized reports whether the vector is non-negative and sums to 1
// within tolerance.
func (w ScoringWeights) IsNormalized() bool {
	for _, f := range Factors() {
		if w.Get(f) < 0 {
			return false
		}
	}
	return math.Abs(w.Sum()-1.0) <= 1e-6
}

// FactorScores holds the per-factor sub-scores that produced an item's
// final score. Each entry is in [0,1].
type FactorScores struct {
	Relevance float64 `json:"relevance"`
	Social    float64 `json:"social"`
	Freshness float64 `json:"freshness"`
	Quality   float64 `json:"quality"`
	Diversity float64 `json:"diversity"`
	Trending  float64 `json:"trending"`
}

// Get returns the sub-score for a factor.
func (s FactorScores) Get(f Factor) float64 {
	switch f {
	case FactorRelevance:
		return s.Relevance
	case FactorSocial:
		return s.Social
	case FactorFreshness:
		return s.Freshness
	case FactorQuality:
		return s.Quality
	case FactorDiversity:
		return s.Diversity
	case FactorTrending:
		return s.Trending
	default:
		return 0
	}
}

// Set assigns the sub-score for a factor.
func (s *FactorScores) Set(f Factor, v float64) {
	switch f {
	case FactorRelevance:
		s.Relevance = v
	case FactorSocial:
		s.Social = v
	case FactorFreshness:
		s.Freshness = v
	case FactorQuality:
		s.Quality = v
	case FactorDiversity:
		s.Diversity = v
	case FactorTrending:
		s.Trending = v
	}
}

// Combine returns the weighted sum of the sub-scores under the given
// weight vector.
func (s FactorScores) Combine(w ScoringWeights) float64 {
	total := 0.0
	for _, f := range Factors() {
		total += w.Get(f) * s.Get(f)
	}
	return total
}
