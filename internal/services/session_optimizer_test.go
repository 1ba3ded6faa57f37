package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

func newTestOptimizer(overrides func(*config.SessionConfig)) (*SessionOptimizer, *ProfileStore) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Session.StabilityPeriod = 0
	cfg.Session.LearningRate = 0.2
	if overrides != nil {
		overrides(&cfg.Session)
	}

	profiles := NewProfileStore(nil, nil, nil, &cfg.Profile, logger)
	so := NewSessionOptimizer(profiles, nil, nil, nil, nil, &cfg.Session, logger)
	return so, profiles
}

func likeEvent(viewerID, itemID uuid.UUID, position int) models.InteractionEvent {
	return models.InteractionEvent{
		ViewerID: viewerID,
		ItemID:   itemID,
		Action:   models.ActionLike,
		Position: position,
	}
}

func TestComputeReward(t *testing.T) {
	so, _ := newTestOptimizer(nil)

	tests := []struct {
		name  string
		event models.InteractionEvent
		want  float64
	}{
		{"view", models.InteractionEvent{Action: models.ActionView}, 0.1},
		{"like unranked", models.InteractionEvent{Action: models.ActionLike}, 1.0},
		{"share clamps to 1", models.InteractionEvent{Action: models.ActionShare}, 1.0},
		{"skip", models.InteractionEvent{Action: models.ActionSkip}, -0.3},
		{"hide", models.InteractionEvent{Action: models.ActionHide}, -1.0},
		{"view with full dwell bonus", models.InteractionEvent{Action: models.ActionView, TimeSpentMs: 60000}, 0.3},
		{"dwell bonus saturates", models.InteractionEvent{Action: models.ActionView, TimeSpentMs: 600000}, 0.3},
		{"like at position 1 earns less", models.InteractionEvent{Action: models.ActionLike, Position: 1}, 0.9},
		{"like at position 5", models.InteractionEvent{Action: models.ActionLike, Position: 5}, 0.94},
		{"deep find keeps full reward", models.InteractionEvent{Action: models.ActionLike, Position: 30}, 1.0},
		{"no position penalty on negatives", models.InteractionEvent{Action: models.ActionHide, Position: 1}, -1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, so.computeReward(tt.event), 1e-9)
		})
	}
}

func TestEnsureSessionCreatesWithProfileWeights(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	session := so.EnsureSession(context.Background(), sessionID, viewerID)

	require.NotNil(t, session)
	assert.Equal(t, sessionID, session.ID)
	assert.Equal(t, viewerID, session.ViewerID)
	assert.Equal(t, models.SessionActive, session.State)
	assert.Equal(t, models.DefaultWeights(), session.Weights)
	assert.Equal(t, 1, so.ActiveSessions())

	// Idempotent: a second call returns the same session.
	again := so.EnsureSession(context.Background(), sessionID, viewerID)
	assert.Equal(t, session.ID, again.ID)
	assert.Equal(t, 1, so.ActiveSessions())
}

func TestRecordFeedbackUnknownSessionWithoutViewer(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	event := models.InteractionEvent{Action: models.ActionLike}
	_, err := so.RecordFeedback(context.Background(), uuid.New(), event)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecordFeedbackCreatesSessionFromEvent(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	weights, err := so.RecordFeedback(context.Background(), sessionID, likeEvent(viewerID, uuid.New(), 0))
	require.NoError(t, err)
	assert.True(t, weights.IsNormalized())
	assert.NotNil(t, so.Session(sessionID))
}

func TestRecordFeedbackRejectsUnknownAction(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	event := models.InteractionEvent{ViewerID: uuid.New(), Action: "purchase"}
	_, err := so.RecordFeedback(context.Background(), uuid.New(), event)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// Repeated likes on relevance-driven items shift the session vector
// toward relevance while keeping it normalized.
func TestFeedbackShiftsWeightsTowardAttributedFactor(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()
	itemID := uuid.New()

	so.EnsureSession(context.Background(), sessionID, viewerID)
	so.RecordServed(sessionID, models.DefaultWeights(), []ServedRecord{{
		ItemID:   itemID,
		AuthorID: uuid.New(),
		Scores:   models.FactorScores{Relevance: 1.0},
	}})

	initial := models.DefaultWeights()
	var updated models.ScoringWeights
	for i := 0; i < 5; i++ {
		var err error
		updated, err = so.RecordFeedback(context.Background(), sessionID, likeEvent(viewerID, itemID, 15))
		require.NoError(t, err)
	}

	assert.Greater(t, updated.Relevance, initial.Relevance)
	assert.True(t, updated.IsNormalized())
	// Everything else gave ground.
	assert.Less(t, updated.Freshness, initial.Freshness)
}

func TestNegativeFeedbackShiftsWeightsAway(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()
	itemID := uuid.New()

	so.EnsureSession(context.Background(), sessionID, viewerID)
	so.RecordServed(sessionID, models.DefaultWeights(), []ServedRecord{{
		ItemID:   itemID,
		AuthorID: uuid.New(),
		Scores:   models.FactorScores{Trending: 1.0},
	}})

	hide := models.InteractionEvent{ViewerID: viewerID, ItemID: itemID, Action: models.ActionHide}
	updated, err := so.RecordFeedback(context.Background(), sessionID, hide)
	require.NoError(t, err)

	assert.Less(t, updated.Trending, models.DefaultWeights().Trending)
	assert.True(t, updated.IsNormalized())
}

// Unranked items fall back to uniform attribution, so feedback still
// counts without concentrating on one factor.
func TestFeedbackOnUnrankedItemUsesUniformAttribution(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	updated, err := so.RecordFeedback(context.Background(), sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)

	// Uniform positive attribution lifts low weights relative to high
	// ones after renormalization.
	assert.Greater(t, updated.Diversity, models.DefaultWeights().Diversity)
	assert.True(t, updated.IsNormalized())
}

func TestStabilityPeriodThrottlesWeightShifts(t *testing.T) {
	so, _ := newTestOptimizer(func(cfg *config.SessionConfig) {
		cfg.StabilityPeriod = time.Hour
	})
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	first, err := so.RecordFeedback(context.Background(), sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)

	// Burst of further feedback inside the stability window: rewards and
	// metrics still accrue, the vector does not move again.
	var second models.ScoringWeights
	for i := 0; i < 10; i++ {
		second, err = so.RecordFeedback(context.Background(), sessionID, likeEvent(viewerID, uuid.New(), 15))
		require.NoError(t, err)
	}

	assert.Equal(t, first, second)

	session := so.Session(sessionID)
	require.NotNil(t, session)
	assert.Len(t, session.Actions, 11)
}

func TestSessionMetricsFromSlidingWindow(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()
	ctx := context.Background()

	view := func(dwellMs int64) models.InteractionEvent {
		return models.InteractionEvent{
			ViewerID: viewerID, ItemID: uuid.New(),
			Action: models.ActionView, TimeSpentMs: dwellMs,
		}
	}

	_, err := so.RecordFeedback(ctx, sessionID, view(30000))
	require.NoError(t, err)
	_, err = so.RecordFeedback(ctx, sessionID, view(10000))
	require.NoError(t, err)
	_, err = so.RecordFeedback(ctx, sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)

	session := so.Session(sessionID)
	require.NotNil(t, session)

	// 1 engaged action over 2 views.
	assert.InDelta(t, 0.5, session.Metrics.ClickThroughRate, 1e-9)
	// 1 non-view interaction over 3 actions.
	assert.InDelta(t, 1.0/3.0, session.Metrics.InteractionRate, 1e-9)
	assert.InDelta(t, 20000, session.Metrics.TimePerItemMs, 1e-6)
	assert.Greater(t, session.Metrics.Satisfaction, 0.5)
}

func TestActionLogBounded(t *testing.T) {
	so, _ := newTestOptimizer(func(cfg *config.SessionConfig) {
		cfg.MaxTrackedActions = 5
	})
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	for i := 0; i < 20; i++ {
		_, err := so.RecordFeedback(context.Background(), sessionID, likeEvent(viewerID, uuid.New(), 15))
		require.NoError(t, err)
	}

	session := so.Session(sessionID)
	require.NotNil(t, session)
	assert.Len(t, session.Actions, 5)
}

func TestEndSessionFlushesWeightsToProfile(t *testing.T) {
	so, profiles := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()
	ctx := context.Background()

	so.EnsureSession(ctx, sessionID, viewerID)
	_, err := so.RecordFeedback(ctx, sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)

	// Backdate the session past the flush threshold.
	so.mu.Lock()
	actor := so.sessions[sessionID]
	actor.session.StartedAt = time.Now().Add(-5 * time.Minute)
	so.mu.Unlock()

	so.endSession(actor)

	profile := profiles.GetProfile(ctx, viewerID)
	assert.Equal(t, int64(1), profile.WeightsVersion)
	assert.False(t, profile.ColdStart)
}

func TestShortSessionDoesNotFlush(t *testing.T) {
	so, profiles := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()
	ctx := context.Background()

	so.EnsureSession(ctx, sessionID, viewerID)
	_, err := so.RecordFeedback(ctx, sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)

	so.mu.RLock()
	actor := so.sessions[sessionID]
	so.mu.RUnlock()

	// Drive-by visit, well under MinFlushDuration.
	so.endSession(actor)

	profile := profiles.GetProfile(ctx, viewerID)
	assert.Equal(t, int64(0), profile.WeightsVersion)
}

func TestSweepMarksIdleAndEndsExpired(t *testing.T) {
	so, _ := newTestOptimizer(func(cfg *config.SessionConfig) {
		cfg.IdleTimeout = 5 * time.Minute
		cfg.EndTimeout = 30 * time.Minute
	})
	defer so.Stop()

	idleID := uuid.New()
	expiredID := uuid.New()
	ctx := context.Background()

	so.EnsureSession(ctx, idleID, uuid.New())
	so.EnsureSession(ctx, expiredID, uuid.New())

	so.mu.Lock()
	so.sessions[idleID].session.LastActivity = time.Now().Add(-10 * time.Minute)
	so.sessions[expiredID].session.LastActivity = time.Now().Add(-time.Hour)
	so.mu.Unlock()

	so.sweep()

	idle := so.Session(idleID)
	require.NotNil(t, idle)
	assert.Equal(t, models.SessionIdle, idle.State)

	assert.Nil(t, so.Session(expiredID))
	assert.Equal(t, 1, so.ActiveSessions())
}

func TestIdleSessionRevivesOnActivity(t *testing.T) {
	so, _ := newTestOptimizer(func(cfg *config.SessionConfig) {
		cfg.IdleTimeout = 5 * time.Minute
	})
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()
	ctx := context.Background()

	so.EnsureSession(ctx, sessionID, viewerID)
	so.mu.Lock()
	so.sessions[sessionID].session.LastActivity = time.Now().Add(-10 * time.Minute)
	so.mu.Unlock()
	so.sweep()

	require.Equal(t, models.SessionIdle, so.Session(sessionID).State)

	_, err := so.RecordFeedback(ctx, sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, so.Session(sessionID).State)
}

func TestSubmitFeedbackFireAndForget(t *testing.T) {
	so, _ := newTestOptimizer(nil)
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	err := so.SubmitFeedback(sessionID, likeEvent(viewerID, uuid.New(), 15))
	require.NoError(t, err)

	// The actor drains the queue; the action lands shortly after.
	assert.Eventually(t, func() bool {
		session := so.Session(sessionID)
		return session != nil && len(session.Actions) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFeedbackAfterActorStopped(t *testing.T) {
	so, _ := newTestOptimizer(nil)

	sessionID := uuid.New()
	viewerID := uuid.New()
	ctx := context.Background()

	so.EnsureSession(ctx, sessionID, viewerID)

	so.mu.RLock()
	actor := so.sessions[sessionID]
	so.mu.RUnlock()

	// Stop the actor out from under producers that already looked it up,
	// as the janitor does when it ends an expired session.
	close(actor.stop)
	<-actor.done

	_, err := so.RecordFeedback(ctx, sessionID, likeEvent(viewerID, uuid.New(), 15))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = so.SubmitFeedback(sessionID, likeEvent(viewerID, uuid.New(), 15))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	so.mu.Lock()
	delete(so.sessions, sessionID)
	so.mu.Unlock()
	so.Stop()
}

func TestFeedbackRacingSessionExpiry(t *testing.T) {
	so, _ := newTestOptimizer(func(cfg *config.SessionConfig) {
		cfg.IdleTimeout = time.Nanosecond
		cfg.EndTimeout = time.Nanosecond
	})
	defer so.Stop()

	sessionID := uuid.New()
	viewerID := uuid.New()

	// Feedback keeps recreating the session while sweeps keep ending it;
	// neither side may panic or deadlock.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = so.SubmitFeedback(sessionID, likeEvent(viewerID, uuid.New(), 15))
		}
	}()

	for i := 0; i < 200; i++ {
		so.sweep()
	}
	wg.Wait()
}
