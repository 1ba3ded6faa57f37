package services

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// Scorer computes the pure per-item sub-scores. It carries configuration
// only; all functions are deterministic given their inputs and the clock
// is always passed explicitly.
type Scorer struct {
	config   *config.RankingConfig
	trending *config.TrendingConfig

	// wilsonZ is the normal quantile for the configured confidence level,
	// precomputed once.
	wilsonZ float64
}

// NewScorer creates a scorer for the given ranking configuration.
func NewScorer(cfg *config.RankingConfig, trendingCfg *config.TrendingConfig) *Scorer {
	confidence := cfg.Quality.WilsonConfidence
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}

	normal := distuv.Normal{Mu: 0, Sigma: 1}
	z := normal.Quantile(1 - (1-confidence)/2)

	return &Scorer{
		config:   cfg,
		trending: trendingCfg,
		wilsonZ:  z,
	}
}

// sanitizeScore clamps NaN/Inf to 0 and bounds the value to [0,1] so no
// intermediate value can poison ranking order.
func sanitizeScore(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// EngagementScore is the weighted sum of log-compressed counters. Log
// compression bounds the influence of virality outliers.
func (s *Scorer) EngagementScore(item *models.ContentItem) float64 {
	eng := s.config.Engagement

	raw := eng.LikeWeight*math.Log1p(float64(item.Likes)) +
		eng.RepostWeight*math.Log1p(float64(item.Reposts)) +
		eng.ReplyWeight*math.Log1p(float64(item.Replies)) +
		eng.ViewWeight*math.Log1p(float64(item.Views))

	// Squash to [0,1); log1p(1e6) ~ 13.8 so the divisor keeps typical
	// viral counts well inside the range.
	return sanitizeScore(raw / (raw + 1))
}

// FreshnessScore is exponential decay exp(-lambda*ageHours). It equals 1
// at age 0 and approaches 0 as age grows, never negative. Lambda is
// configurable per content type.
func (s *Scorer) FreshnessScore(item *models.ContentItem, now time.Time) float64 {
	lambda := s.config.Freshness.Lambda
	if typed, ok := s.config.Freshness.LambdaPerType[item.ContentType]; ok && typed > 0 {
		lambda = typed
	}

	return sanitizeScore(math.Exp(-lambda * item.AgeHours(now)))
}

// TrendingBoost multiplies a base score by the externally supplied trend
// velocity of the item's topics, capped so a single viral topic cannot
// dominate the feed. Missing signals count as velocity 0.
func (s *Scorer) TrendingBoost(item *models.ContentItem, velocities map[string]float64) float64 {
	maxVelocity := item.TrendBoost
	for _, topic := range item.Topics {
		if v, ok := velocities[topic]; ok && v > maxVelocity {
			maxVelocity = v
		}
	}

	boosted := maxVelocity * s.trending.MaxBoost
	if boosted > 1 {
		boosted = 1
	}
	return sanitizeScore(boosted)
}

// WilsonLowerBound returns the lower bound of the binomial confidence
// interval for positive/total. Ranking by the lower bound favors
// "confidently good" engagement over small-sample flukes. Returns 0 when
// total is 0.
func (s *Scorer) WilsonLowerBound(positive, total int64) float64 {
	if total == 0 {
		return 0
	}
	if positive > total {
		positive = total
	}

	n := float64(total)
	phat := float64(positive) / n
	z := s.wilsonZ
	z2 := z * z

	denom := 1 + z2/n
	center := phat + z2/(2*n)
	margin := z * math.Sqrt((phat*(1-phat)+z2/(4*n))/n)

	return sanitizeScore((center - margin) / denom)
}

// QualityScore combines the Wilson bound on like/view rate with a text
// length signal.
func (s *Scorer) QualityScore(item *models.ContentItem) float64 {
	wilson := s.WilsonLowerBound(item.Likes, item.Views)

	lengthSignal := 0.0
	if minLen := s.config.Quality.MinTextLength; item.TextLength >= minLen {
		// Saturates around 1000 chars.
		lengthSignal = math.Log1p(float64(item.TextLength)) / math.Log1p(1000)
		if lengthSignal > 1 {
			lengthSignal = 1
		}
	}

	return sanitizeScore(0.7*wilson + 0.3*lengthSignal)
}

// PassesQualityFloor reports whether the item meets the minimum length and
// engagement thresholds. Failing items are excluded before scoring, not
// merely demoted.
func (s *Scorer) PassesQualityFloor(item *models.ContentItem) bool {
	if item.TextLength < s.config.Quality.MinTextLength {
		return false
	}
	totalEngagement := item.Likes + item.Reposts + item.Replies
	return totalEngagement >= s.config.Quality.MinEngagement
}
