package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// TelemetryPublisher receives terminal session records for downstream
// analytics. The Kafka message bus implements it.
type TelemetryPublisher interface {
	PublishSessionEnded(record *models.TerminalSessionRecord) error
}

// servedItem remembers the factor attribution and author of an item shown
// to a session, so feedback can be attributed to the factors that ranked
// it.
type servedItem struct {
	scores   models.FactorScores
	weights  models.ScoringWeights
	authorID uuid.UUID
	topics   []string
}

// feedbackRequest carries one event through a session's single-writer
// queue. reply is nil for fire-and-forget deliveries from the event bus.
type feedbackRequest struct {
	event models.InteractionEvent
	reply chan feedbackReply
}

type feedbackReply struct {
	weights models.ScoringWeights
	err     error
}

// sessionActor owns all mutable state of one session. Events are applied
// in arrival order by a single goroutine, which the stability-period
// throttle depends on. The queue is never closed; stop is closed to shut
// the actor down and done is closed once it has drained, so producers can
// always send without racing a close.
type sessionActor struct {
	session *models.Session
	queue   chan feedbackRequest

	served      map[uuid.UUID]servedItem
	servedOrder []uuid.UUID

	lastWeightShift time.Time
	stop            chan struct{}
	done            chan struct{}
}

// SessionOptimizer ingests interaction feedback, computes rewards and
// nudges session weight vectors with an online update rule. Sessions are
// ephemeral; ended sessions flush terminal state to the profile store and
// any running experiment.
type SessionOptimizer struct {
	profiles    *ProfileStore
	experiments *ExperimentManager
	feedCache   *FeedCache
	db          ProfileDB
	telemetry   TelemetryPublisher
	config      *config.SessionConfig
	logger      *logrus.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionActor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionOptimizer creates a session optimizer.
func NewSessionOptimizer(
	profiles *ProfileStore,
	experiments *ExperimentManager,
	feedCache *FeedCache,
	db ProfileDB,
	telemetry TelemetryPublisher,
	cfg *config.SessionConfig,
	logger *logrus.Logger,
) *SessionOptimizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionOptimizer{
		profiles:    profiles,
		experiments: experiments,
		feedCache:   feedCache,
		db:          db,
		telemetry:   telemetry,
		config:      cfg,
		logger:      logger,
		sessions:    make(map[uuid.UUID]*sessionActor),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the idle-session janitor.
func (so *SessionOptimizer) Start() error {
	so.wg.Add(1)
	go so.janitor()
	return nil
}

// Stop ends all live sessions and shuts down.
func (so *SessionOptimizer) Stop() {
	so.cancel()

	so.mu.Lock()
	actors := make([]*sessionActor, 0, len(so.sessions))
	for _, a := range so.sessions {
		actors = append(actors, a)
	}
	so.sessions = make(map[uuid.UUID]*sessionActor)
	so.mu.Unlock()

	for _, a := range actors {
		close(a.stop)
		<-a.done
		so.endSession(a)
	}

	so.wg.Wait()
}

// EnsureSession returns the live session, creating it on first use with
// the viewer's current weights (experiment override applied if the viewer
// is enrolled).
func (so *SessionOptimizer) EnsureSession(ctx context.Context, sessionID, viewerID uuid.UUID) *models.Session {
	so.mu.RLock()
	if actor, ok := so.sessions[sessionID]; ok {
		s := *actor.session
		so.mu.RUnlock()
		return &s
	}
	so.mu.RUnlock()

	weights := so.profiles.GetProfile(ctx, viewerID).Weights
	experimentID, variantID := "", ""
	if so.experiments != nil {
		if override, expID, varID := so.experiments.ActiveOverride(ctx, viewerID); override != nil {
			weights = *override
			experimentID, variantID = expID, varID
		}
	}

	now := time.Now()
	session := &models.Session{
		ID:           sessionID,
		ViewerID:     viewerID,
		State:        models.SessionActive,
		StartedAt:    now,
		LastActivity: now,
		Weights:      weights,
		ExperimentID: experimentID,
		VariantID:    variantID,
	}

	actor := &sessionActor{
		session: session,
		queue:   make(chan feedbackRequest, so.config.QueueSize),
		served:  make(map[uuid.UUID]servedItem),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	so.mu.Lock()
	if existing, ok := so.sessions[sessionID]; ok {
		so.mu.Unlock()
		s := *existing.session
		return &s
	}
	so.sessions[sessionID] = actor
	so.mu.Unlock()

	so.wg.Add(1)
	go so.runActor(actor)

	s := *session
	return &s
}

// ServedRecord is the attribution context for one item the engine just
// served to a session.
type ServedRecord struct {
	ItemID   uuid.UUID
	AuthorID uuid.UUID
	Scores   models.FactorScores
	Topics   []string
}

// RecordServed remembers the factor attribution of items just shown to a
// session. Bounded to the most recent MaxTrackedActions entries.
func (so *SessionOptimizer) RecordServed(sessionID uuid.UUID, weights models.ScoringWeights, records []ServedRecord) {
	so.mu.Lock()
	defer so.mu.Unlock()

	actor, ok := so.sessions[sessionID]
	if !ok {
		return
	}

	for _, r := range records {
		if _, seen := actor.served[r.ItemID]; !seen {
			actor.servedOrder = append(actor.servedOrder, r.ItemID)
		}
		actor.served[r.ItemID] = servedItem{
			scores:   r.Scores,
			weights:  weights,
			authorID: r.AuthorID,
			topics:   r.Topics,
		}
	}

	for len(actor.servedOrder) > so.config.MaxTrackedActions {
		oldest := actor.servedOrder[0]
		actor.servedOrder = actor.servedOrder[1:]
		delete(actor.served, oldest)
	}
}

// RecordFeedback applies one interaction event to its session and returns
// the updated weight vector. Events for a session are serialized through
// the session's queue, preserving arrival order.
func (so *SessionOptimizer) RecordFeedback(ctx context.Context, sessionID uuid.UUID, event models.InteractionEvent) (models.ScoringWeights, error) {
	if !models.KnownAction(event.Action) {
		return models.ScoringWeights{}, invalidInput("unknown action kind %q", event.Action)
	}

	so.mu.RLock()
	actor, ok := so.sessions[sessionID]
	so.mu.RUnlock()
	if !ok {
		if event.ViewerID == uuid.Nil {
			return models.ScoringWeights{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		// First event of a session we haven't seen a ranking request for.
		so.EnsureSession(ctx, sessionID, event.ViewerID)
		so.mu.RLock()
		actor = so.sessions[sessionID]
		so.mu.RUnlock()
		if actor == nil {
			return models.ScoringWeights{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
	}

	req := feedbackRequest{event: event, reply: make(chan feedbackReply, 1)}

	select {
	case actor.queue <- req:
	case <-actor.done:
		return models.ScoringWeights{}, fmt.Errorf("%w: %s already ended", ErrSessionNotFound, sessionID)
	case <-ctx.Done():
		return models.ScoringWeights{}, ctx.Err()
	}

	select {
	case reply := <-req.reply:
		return reply.weights, reply.err
	case <-actor.done:
		// The reply channel is buffered, so a reply written during the
		// actor's final drain is still there.
		select {
		case reply := <-req.reply:
			return reply.weights, reply.err
		default:
		}
		return models.ScoringWeights{}, fmt.Errorf("%w: %s already ended", ErrSessionNotFound, sessionID)
	case <-ctx.Done():
		return models.ScoringWeights{}, ctx.Err()
	}
}

// SubmitFeedback is the fire-and-forget entry used by the event bus.
func (so *SessionOptimizer) SubmitFeedback(sessionID uuid.UUID, event models.InteractionEvent) error {
	if !models.KnownAction(event.Action) {
		return invalidInput("unknown action kind %q", event.Action)
	}

	so.mu.RLock()
	actor, ok := so.sessions[sessionID]
	so.mu.RUnlock()
	if !ok {
		if event.ViewerID == uuid.Nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		so.EnsureSession(so.ctx, sessionID, event.ViewerID)
		so.mu.RLock()
		actor = so.sessions[sessionID]
		so.mu.RUnlock()
		if actor == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
	}

	select {
	case <-actor.done:
		return fmt.Errorf("%w: %s already ended", ErrSessionNotFound, sessionID)
	default:
	}

	select {
	case actor.queue <- feedbackRequest{event: event}:
		return nil
	default:
		return fmt.Errorf("session %s feedback queue full", sessionID)
	}
}

// runActor is the single consumer of a session's event queue.
func (so *SessionOptimizer) runActor(actor *sessionActor) {
	defer so.wg.Done()
	defer close(actor.done)

	for {
		select {
		case req := <-actor.queue:
			so.handleRequest(actor, req)
		case <-actor.stop:
			// Drain what was already queued, then exit.
			for {
				select {
				case req := <-actor.queue:
					so.handleRequest(actor, req)
				default:
					return
				}
			}
		}
	}
}

func (so *SessionOptimizer) handleRequest(actor *sessionActor, req feedbackRequest) {
	weights, err := so.applyEvent(actor, req.event)
	if req.reply != nil {
		req.reply <- feedbackReply{weights: weights, err: err}
	}
}

// applyEvent runs on the actor goroutine only.
func (so *SessionOptimizer) applyEvent(actor *sessionActor, event models.InteractionEvent) (models.ScoringWeights, error) {
	so.mu.Lock()

	session := actor.session
	if session.State == models.SessionEnded {
		weights := session.Weights
		so.mu.Unlock()
		return weights, fmt.Errorf("%w: %s already ended", ErrSessionNotFound, session.ID)
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	session.State = models.SessionActive
	session.LastActivity = now

	reward := so.computeReward(event)

	// Bounded most-recent-N action log.
	session.Actions = append(session.Actions, models.SessionAction{
		ItemID:    event.ItemID,
		Action:    event.Action,
		Reward:    reward,
		Position:  event.Position,
		DwellMs:   event.TimeSpentMs,
		Timestamp: now,
	})
	if max := so.config.MaxTrackedActions; len(session.Actions) > max {
		session.Actions = session.Actions[len(session.Actions)-max:]
	}

	so.updateSessionMetrics(session, now)
	so.recordAffinities(actor, event, reward)

	// Stability period: at most one weight shift per window so bursty
	// feedback cannot oscillate the vector.
	shifted := false
	if now.Sub(actor.lastWeightShift) >= so.config.StabilityPeriod {
		relevance := so.factorRelevance(actor, event)
		so.nudgeWeights(session, reward, relevance)
		actor.lastWeightShift = now
		shifted = true
	}

	weights := session.Weights
	viewerID := session.ViewerID
	so.mu.Unlock()

	// A shifted vector makes every cached feed for this viewer stale;
	// drop them before the reply so the next ranking recomputes.
	if shifted && so.feedCache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		so.feedCache.InvalidateViewer(ctx, viewerID)
		cancel()
	}

	return weights, nil
}

// computeReward maps an event to a scalar reward in [-1,1].
func (so *SessionOptimizer) computeReward(event models.InteractionEvent) float64 {
	var reward float64
	switch event.Action {
	case models.ActionView:
		reward = 0.1
	case models.ActionLike:
		reward = 1.0
	case models.ActionShare:
		reward = 1.5
	case models.ActionSkip:
		reward = -0.3
	case models.ActionHide:
		reward = -1.0
	}

	// Dwell bonus: up to +0.2 for a minute of attention.
	if event.TimeSpentMs > 0 {
		reward += 0.2 * math.Min(float64(event.TimeSpentMs)/60000.0, 1.0)
	}

	// Items the engine already ranked high earn slightly less than
	// surprising deep finds.
	if event.Position > 0 && reward > 0 {
		reward -= 0.1 * math.Max(0, float64(11-event.Position)) / 10.0
	}

	return math.Max(-1, math.Min(1, reward))
}

// factorRelevance attributes the acted-on item's ranking to the scoring
// factors, proportionally to each factor's share of the final score.
// Unranked items fall back to uniform attribution.
func (so *SessionOptimizer) factorRelevance(actor *sessionActor, event models.InteractionEvent) models.FactorScores {
	var relevance models.FactorScores

	served, ok := actor.served[event.ItemID]
	if !ok {
		uniform := 1.0 / float64(models.FactorCount)
		for _, f := range models.Factors() {
			relevance.Set(f, uniform)
		}
		return relevance
	}

	total := served.scores.Combine(served.weights)
	if total <= 0 {
		uniform := 1.0 / float64(models.FactorCount)
		for _, f := range models.Factors() {
			relevance.Set(f, uniform)
		}
		return relevance
	}

	for _, f := range models.Factors() {
		relevance.Set(f, served.weights.Get(f)*served.scores.Get(f)/total)
	}
	return relevance
}

// nudgeWeights applies the online update rule to the session's live
// vector: weight[f] += lr * reward * relevance[f], clamped and
// renormalized.
func (so *SessionOptimizer) nudgeWeights(session *models.Session, reward float64, relevance models.FactorScores) {
	lr := so.config.LearningRate

	for _, f := range models.Factors() {
		v := session.Weights.Get(f) + lr*reward*relevance.Get(f)
		if v < 0 {
			v = 0
		}
		session.Weights.Set(f, v)
	}

	session.Weights.Normalize()
}

// updateSessionMetrics recomputes rolling metrics from the sliding
// window, so recent behavior dominates.
func (so *SessionOptimizer) updateSessionMetrics(session *models.Session, now time.Time) {
	cutoff := now.Add(-so.config.MetricsWindow)

	var views, engaged, interactions, total int
	var dwellMs, rewardSum float64

	for _, a := range session.Actions {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		total++
		rewardSum += a.Reward
		switch a.Action {
		case models.ActionView:
			views++
			dwellMs += float64(a.DwellMs)
		case models.ActionLike, models.ActionShare:
			engaged++
			interactions++
		case models.ActionSkip, models.ActionHide:
			interactions++
		}
	}

	if total == 0 {
		return
	}

	if views > 0 {
		session.Metrics.ClickThroughRate = float64(engaged) / float64(views)
	} else if engaged > 0 {
		session.Metrics.ClickThroughRate = 1
	}
	session.Metrics.InteractionRate = float64(interactions) / float64(total)
	if views > 0 {
		session.Metrics.TimePerItemMs = dwellMs / float64(views)
	}
	// Normalize mean reward from [-1,1] to [0,1].
	session.Metrics.Satisfaction = sanitizeScore((rewardSum/float64(total) + 1) / 2)
}

// recordAffinities feeds topic and author preference signals to the
// profile store. Runs with the optimizer lock held; the store has its own
// locking, so hand off outside the hot path.
func (so *SessionOptimizer) recordAffinities(actor *sessionActor, event models.InteractionEvent, reward float64) {
	if so.profiles == nil || reward == 0 {
		return
	}

	viewerID := actor.session.ViewerID
	topics := event.Topics
	var authorID uuid.UUID
	if served, ok := actor.served[event.ItemID]; ok {
		authorID = served.authorID
		if len(topics) == 0 {
			topics = served.topics
		}
	}

	strength := reward
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, topic := range topics {
			so.profiles.RecordAffinity(ctx, viewerID, so.profiles.TopicKey(topic), strength)
		}
		if authorID != uuid.Nil {
			so.profiles.RecordAffinity(ctx, viewerID, so.profiles.AuthorKey(authorID), strength)
		}
	}()
}

// janitor walks sessions, marking idle ones and ending expired ones.
func (so *SessionOptimizer) janitor() {
	defer so.wg.Done()

	ticker := time.NewTicker(so.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			so.sweep()
		case <-so.ctx.Done():
			return
		}
	}
}

func (so *SessionOptimizer) sweep() {
	now := time.Now()

	so.mu.Lock()
	var expired []*sessionActor
	for id, actor := range so.sessions {
		inactive := now.Sub(actor.session.LastActivity)
		switch {
		case inactive >= so.config.EndTimeout:
			expired = append(expired, actor)
			delete(so.sessions, id)
		case inactive >= so.config.IdleTimeout && actor.session.State == models.SessionActive:
			actor.session.State = models.SessionIdle
		}
	}
	so.mu.Unlock()

	for _, actor := range expired {
		close(actor.stop)
		<-actor.done
		so.endSession(actor)
	}
}

// endSession flushes terminal state: weights back to the profile store
// (only for sessions that lasted long enough to mean something),
// experiment outcome, durable record, cache invalidation.
func (so *SessionOptimizer) endSession(actor *sessionActor) {
	so.mu.Lock()
	session := actor.session
	session.State = models.SessionEnded
	record := &models.TerminalSessionRecord{
		SessionID:    session.ID,
		ViewerID:     session.ViewerID,
		StartedAt:    session.StartedAt,
		EndedAt:      session.LastActivity,
		ActionCount:  len(session.Actions),
		Metrics:      session.Metrics,
		Weights:      session.Weights,
		ExperimentID: session.ExperimentID,
		VariantID:    session.VariantID,
	}
	so.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	duration := record.EndedAt.Sub(record.StartedAt)
	if duration >= so.config.MinFlushDuration && so.profiles != nil {
		// Persist the session's learning as a bounded delta against the
		// viewer's stored vector; drive-by visits don't get to overfit it.
		profile := so.profiles.GetProfile(ctx, record.ViewerID)
		var delta models.ScoringWeights
		for _, f := range models.Factors() {
			delta.Set(f, record.Weights.Get(f)-profile.Weights.Get(f))
		}
		if _, err := so.profiles.ApplyUpdate(ctx, record.ViewerID, delta); err != nil {
			so.logger.WithError(err).Warn("Failed to flush session weights to profile")
		}
	}

	if record.ExperimentID != "" && so.experiments != nil {
		if err := so.experiments.RecordOutcome(record.ExperimentID, record.VariantID, record); err != nil {
			so.logger.WithError(err).Debug("Failed to record experiment outcome")
		}
	}

	so.persistTerminalRecord(ctx, record)

	if so.telemetry != nil {
		if err := so.telemetry.PublishSessionEnded(record); err != nil {
			so.logger.WithError(err).Debug("Failed to publish session telemetry")
		}
	}

	if so.feedCache != nil {
		so.feedCache.InvalidateViewer(ctx, record.ViewerID)
	}

	so.logger.WithFields(logrus.Fields{
		"session_id": record.SessionID,
		"viewer_id":  record.ViewerID,
		"actions":    record.ActionCount,
		"duration":   duration,
	}).Info("Session ended")
}

func (so *SessionOptimizer) persistTerminalRecord(ctx context.Context, record *models.TerminalSessionRecord) {
	if so.db == nil {
		return
	}

	metricsJSON, err := json.Marshal(record.Metrics)
	if err != nil {
		return
	}
	weightsJSON, err := json.Marshal(record.Weights)
	if err != nil {
		return
	}

	_, err = so.db.Exec(ctx, `
		INSERT INTO session_records (session_id, viewer_id, started_at, ended_at, action_count, metrics, weights, experiment_id, variant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		ON CONFLICT (session_id) DO NOTHING`,
		record.SessionID, record.ViewerID, record.StartedAt, record.EndedAt,
		record.ActionCount, metricsJSON, weightsJSON, record.ExperimentID, record.VariantID)
	if err != nil {
		so.logger.WithError(err).Warn("Failed to persist terminal session record")
	}
}

// ActiveSessions returns the number of live sessions, for observability.
func (so *SessionOptimizer) ActiveSessions() int {
	so.mu.RLock()
	defer so.mu.RUnlock()
	return len(so.sessions)
}

// Session returns a copy of a live session, or nil.
func (so *SessionOptimizer) Session(sessionID uuid.UUID) *models.Session {
	so.mu.RLock()
	defer so.mu.RUnlock()
	if actor, ok := so.sessions[sessionID]; ok {
		s := *actor.session
		return &s
	}
	return nil
}
