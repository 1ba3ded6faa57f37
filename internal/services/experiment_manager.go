package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// ExperimentManager runs controlled comparisons between ranking variants.
// Assignment is a pure hash of viewer id + experiment id, so a viewer
// keeps their variant across server restarts without a stored assignment
// table; Redis only caches the result.
type ExperimentManager struct {
	redis  *redis.Client
	config *config.ExperimentConfig
	logger *logrus.Logger

	mu          sync.RWMutex
	experiments map[string]*models.Experiment
	metrics     map[string]map[string]*models.VariantMetrics

	normal distuv.Normal
}

// NewExperimentManager creates an experiment manager.
func NewExperimentManager(redisClient *redis.Client, cfg *config.ExperimentConfig, logger *logrus.Logger) *ExperimentManager {
	return &ExperimentManager{
		redis:       redisClient,
		config:      cfg,
		logger:      logger,
		experiments: make(map[string]*models.Experiment),
		metrics:     make(map[string]map[string]*models.VariantMetrics),
		normal:      distuv.Normal{Mu: 0, Sigma: 1},
	}
}

// CreateExperiment validates and registers a draft experiment. Invalid
// configuration is rejected here, never at runtime.
func (em *ExperimentManager) CreateExperiment(exp *models.Experiment) (*models.Experiment, error) {
	if err := validateExperiment(exp); err != nil {
		return nil, err
	}

	if exp.ID == "" {
		exp.ID = "exp_" + uuid.NewString()[:8]
	}
	now := time.Now()
	exp.Status = models.ExperimentDraft
	exp.CreatedAt = now
	exp.UpdatedAt = now

	for i := range exp.Variants {
		exp.Variants[i].WeightOverride.Normalize()
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	if _, exists := em.experiments[exp.ID]; exists {
		return nil, &ExperimentConfigError{Reason: fmt.Sprintf("experiment %s already exists", exp.ID)}
	}

	em.experiments[exp.ID] = exp

	variantMetrics := make(map[string]*models.VariantMetrics, len(exp.Variants))
	for _, v := range exp.Variants {
		variantMetrics[v.ID] = &models.VariantMetrics{VariantID: v.ID}
	}
	em.metrics[exp.ID] = variantMetrics

	em.logger.WithFields(logrus.Fields{
		"experiment_id": exp.ID,
		"variants":      len(exp.Variants),
	}).Info("Experiment created")

	return exp, nil
}

func validateExperiment(exp *models.Experiment) error {
	if exp.Name == "" {
		return &ExperimentConfigError{Reason: "name is required"}
	}
	if len(exp.Variants) < 2 {
		return &ExperimentConfigError{Reason: "at least 2 variants are required"}
	}
	if exp.SampleSize <= 0 {
		return &ExperimentConfigError{Reason: "sample size must be positive"}
	}
	if exp.ConfidenceLevel <= 0 || exp.ConfidenceLevel >= 1 {
		return &ExperimentConfigError{Reason: "confidence level must be strictly between 0 and 1"}
	}

	totalAllocation := 0.0
	hasControl := false
	seen := make(map[string]bool)

	for _, v := range exp.Variants {
		if v.ID == "" {
			return &ExperimentConfigError{Reason: "every variant needs an id"}
		}
		if seen[v.ID] {
			return &ExperimentConfigError{Reason: fmt.Sprintf("duplicate variant id %q", v.ID)}
		}
		seen[v.ID] = true
		if v.TrafficAllocation < 0 || v.TrafficAllocation > 1 {
			return &ExperimentConfigError{Reason: fmt.Sprintf("variant %q traffic allocation out of range", v.ID)}
		}
		totalAllocation += v.TrafficAllocation
		if v.IsControl {
			hasControl = true
		}
	}

	if math.Abs(totalAllocation-1.0) > 0.001 {
		return &ExperimentConfigError{Reason: fmt.Sprintf("traffic allocation must sum to 1.0, got %.3f", totalAllocation)}
	}
	if !hasControl {
		return &ExperimentConfigError{Reason: "a control variant is required"}
	}

	return nil
}

// StartExperiment moves a draft or paused experiment to running. Metrics
// accumulate only while running.
func (em *ExperimentManager) StartExperiment(experimentID string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}

	switch exp.Status {
	case models.ExperimentDraft, models.ExperimentPaused:
	default:
		return &ExperimentConfigError{Reason: fmt.Sprintf("cannot start experiment in status %s", exp.Status)}
	}

	now := time.Now()
	if exp.StartedAt == nil {
		exp.StartedAt = &now
	}
	exp.Status = models.ExperimentRunning
	exp.UpdatedAt = now

	em.logger.WithField("experiment_id", experimentID).Info("Experiment started")
	return nil
}

// PauseExperiment suspends metric accumulation without losing state.
func (em *ExperimentManager) PauseExperiment(experimentID string) error {
	return em.transition(experimentID, models.ExperimentRunning, models.ExperimentPaused)
}

// CompleteExperiment finishes the experiment; terminal.
func (em *ExperimentManager) CompleteExperiment(experimentID string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.Status == models.ExperimentCompleted {
		return nil
	}

	now := time.Now()
	exp.Status = models.ExperimentCompleted
	exp.EndedAt = &now
	exp.UpdatedAt = now

	em.logger.WithField("experiment_id", experimentID).Info("Experiment completed")
	return nil
}

func (em *ExperimentManager) transition(experimentID string, from, to models.ExperimentStatus) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.Status != from {
		return &ExperimentConfigError{Reason: fmt.Sprintf("cannot move experiment from %s to %s", exp.Status, to)}
	}

	exp.Status = to
	exp.UpdatedAt = time.Now()
	return nil
}

// AssignVariant returns the variant for a viewer in an experiment. The
// assignment is a pure function of viewer id + experiment id: repeated
// calls return the same variant for the experiment's duration, even
// across restarts.
func (em *ExperimentManager) AssignVariant(ctx context.Context, viewerID uuid.UUID, experimentID string) (string, error) {
	em.mu.RLock()
	exp, ok := em.experiments[experimentID]
	if !ok {
		em.mu.RUnlock()
		return "", fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.Status != models.ExperimentRunning {
		em.mu.RUnlock()
		return "", fmt.Errorf("experiment is not running: %s", experimentID)
	}
	variants := exp.Variants
	em.mu.RUnlock()

	cacheKey := fmt.Sprintf("assignment:%s:%s", experimentID, viewerID)
	if em.redis != nil {
		if cached, err := em.redis.Get(ctx, cacheKey).Result(); err == nil {
			return cached, nil
		}
	}

	variantID := assignByHash(viewerID, experimentID, variants)

	if em.redis != nil {
		em.redis.Set(ctx, cacheKey, variantID, em.config.AssignmentTTL)
	}

	return variantID, nil
}

// assignByHash maps the viewer deterministically onto the variants'
// cumulative traffic allocation.
func assignByHash(viewerID uuid.UUID, experimentID string, variants []models.ExperimentVariant) string {
	hasher := fnv.New32a()
	hasher.Write([]byte(viewerID.String() + ":" + experimentID))
	bucket := float64(hasher.Sum32()) / float64(^uint32(0))

	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.TrafficAllocation
		if bucket <= cumulative {
			return v.ID
		}
	}

	// Floating point slack: fall back to the control.
	for _, v := range variants {
		if v.IsControl {
			return v.ID
		}
	}
	return variants[0].ID
}

// ActiveOverride resolves the scoring-weight override for a viewer, if
// any experiment is currently running. With several running experiments
// the longest-running one wins, so every request for a viewer resolves
// against the same experiment. Returns nil when the viewer is not
// enrolled anywhere.
func (em *ExperimentManager) ActiveOverride(ctx context.Context, viewerID uuid.UUID) (*models.ScoringWeights, string, string) {
	em.mu.RLock()
	var running *models.Experiment
	for _, exp := range em.experiments {
		if exp.Status != models.ExperimentRunning {
			continue
		}
		if running == nil || startedBefore(exp, running) {
			running = exp
		}
	}
	em.mu.RUnlock()

	if running == nil {
		return nil, "", ""
	}

	variantID, err := em.AssignVariant(ctx, viewerID, running.ID)
	if err != nil {
		return nil, "", ""
	}

	for _, v := range running.Variants {
		if v.ID == variantID {
			override := v.WeightOverride
			return &override, running.ID, variantID
		}
	}
	return nil, "", ""
}

// startedBefore orders running experiments by start time, with the ID as
// a stable tie-break.
func startedBefore(a, b *models.Experiment) bool {
	switch {
	case a.StartedAt == nil && b.StartedAt == nil:
		return a.ID < b.ID
	case a.StartedAt == nil:
		return true
	case b.StartedAt == nil:
		return false
	case a.StartedAt.Equal(*b.StartedAt):
		return a.ID < b.ID
	default:
		return a.StartedAt.Before(*b.StartedAt)
	}
}

// RecordOutcome folds an ended session's terminal metrics into the
// variant's running aggregates. Outcomes are dropped unless the
// experiment is running.
func (em *ExperimentManager) RecordOutcome(experimentID, variantID string, record *models.TerminalSessionRecord) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	if exp.Status != models.ExperimentRunning {
		return nil
	}

	vm, ok := em.metrics[experimentID][variantID]
	if !ok {
		return fmt.Errorf("unknown variant %s for experiment %s", variantID, experimentID)
	}

	alpha := em.config.Smoothing
	duration := record.EndedAt.Sub(record.StartedAt)
	// Retention signal saturates at 30 minutes of activity.
	retention := math.Min(duration.Minutes()/30.0, 1.0)

	vm.Sessions++
	vm.Impressions += int64(record.ActionCount)
	vm.Interactions += int64(float64(record.ActionCount) * record.Metrics.InteractionRate)

	if vm.Sessions == 1 {
		vm.Engagement = record.Metrics.InteractionRate
		vm.Retention = retention
		vm.Satisfaction = record.Metrics.Satisfaction
	} else {
		vm.Engagement = alpha*record.Metrics.InteractionRate + (1-alpha)*vm.Engagement
		vm.Retention = alpha*retention + (1-alpha)*vm.Retention
		vm.Satisfaction = alpha*record.Metrics.Satisfaction + (1-alpha)*vm.Satisfaction
	}
	vm.LastUpdated = time.Now()

	return nil
}

// Results returns the experiment with per-variant aggregates and
// significance tests of each variant against the control.
func (em *ExperimentManager) Results(experimentID string) (*models.ExperimentResults, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}

	metricsCopy := make(map[string]*models.VariantMetrics, len(em.metrics[experimentID]))
	for id, vm := range em.metrics[experimentID] {
		c := *vm
		metricsCopy[id] = &c
	}

	results := &models.ExperimentResults{
		Experiment: *exp,
		Metrics:    metricsCopy,
	}

	var control *models.ExperimentVariant
	for i := range exp.Variants {
		if exp.Variants[i].IsControl {
			control = &exp.Variants[i]
			break
		}
	}
	if control == nil {
		return results, nil
	}

	controlMetrics := metricsCopy[control.ID]
	alpha := 1 - exp.ConfidenceLevel

	for _, v := range exp.Variants {
		if v.IsControl {
			continue
		}
		vm := metricsCopy[v.ID]
		if vm == nil || controlMetrics == nil {
			continue
		}

		p, effect := em.proportionZTest(
			controlMetrics.Interactions, controlMetrics.Impressions,
			vm.Interactions, vm.Impressions)

		results.Comparisons = append(results.Comparisons, models.VariantComparison{
			ControlID:     control.ID,
			VariantID:     v.ID,
			Metric:        "engagement",
			PValue:        p,
			Effect:        effect,
			IsSignificant: p < alpha,
		})
	}

	return results, nil
}

// proportionZTest is a two-proportion z-test; returns the two-tailed
// p-value and relative effect size.
func (em *ExperimentManager) proportionZTest(successes1, trials1, successes2, trials2 int64) (pValue, effect float64) {
	if trials1 == 0 || trials2 == 0 {
		return 1.0, 0.0
	}

	p1 := float64(successes1) / float64(trials1)
	p2 := float64(successes2) / float64(trials2)

	pPool := float64(successes1+successes2) / float64(trials1+trials2)
	se := math.Sqrt(pPool * (1 - pPool) * (1.0/float64(trials1) + 1.0/float64(trials2)))
	if se == 0 {
		return 1.0, 0.0
	}

	z := (p1 - p2) / se
	pValue = 2.0 * (1.0 - em.normal.CDF(math.Abs(z)))
	if pValue > 1 {
		pValue = 1
	} else if pValue < 0 {
		pValue = 0
	}

	if p1 != 0 {
		effect = (p2 - p1) / p1
	}

	return pValue, effect
}

// Experiment returns a copy of an experiment's definition.
func (em *ExperimentManager) Experiment(experimentID string) (*models.Experiment, error) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	c := *exp
	return &c, nil
}

// ListExperiments returns all known experiments.
func (em *ExperimentManager) ListExperiments() []models.Experiment {
	em.mu.RLock()
	defer em.mu.RUnlock()

	out := make([]models.Experiment, 0, len(em.experiments))
	for _, exp := range em.experiments {
		out = append(out, *exp)
	}
	return out
}
