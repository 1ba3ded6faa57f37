package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

func newTestProfileStore(db ProfileDB) *ProfileStore {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.Default()
	return NewProfileStore(db, nil, nil, &cfg.Profile, logger)
}

func TestAffinityKeys(t *testing.T) {
	ps := newTestProfileStore(nil)

	assert.Equal(t, "topic:golang", ps.TopicKey("GoLang"))
	assert.Equal(t, "topic:machine learning", ps.TopicKey("  Machine Learning "))

	authorID := uuid.New()
	assert.Equal(t, "author:"+authorID.String(), ps.AuthorKey(authorID))
}

func TestGetProfileColdStart(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()

	profile := ps.GetProfile(context.Background(), viewerID)

	require.NotNil(t, profile)
	assert.True(t, profile.ColdStart)
	assert.Equal(t, models.DefaultWeights(), profile.Weights)
	assert.Equal(t, int64(0), profile.WeightsVersion)
	assert.Empty(t, profile.Affinities)
}

func TestGetProfileReturnsClones(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()

	a := ps.GetProfile(context.Background(), viewerID)
	a.Weights.Relevance = 99
	a.Affinities["topic:golang"] = models.Affinity{Score: 1}

	b := ps.GetProfile(context.Background(), viewerID)
	assert.Equal(t, models.DefaultWeights(), b.Weights)
	assert.Empty(t, b.Affinities)
}

func TestApplyUpdateClipsAndNormalizes(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()
	ctx := context.Background()

	// Default MaxWeightDelta is 0.1; a +0.5 push gets clipped.
	delta := models.ScoringWeights{Relevance: 0.5}
	updated, err := ps.ApplyUpdate(ctx, viewerID, delta)
	require.NoError(t, err)

	assert.True(t, updated.Weights.IsNormalized())
	// 0.25 + 0.1 clipped, then renormalized over a 1.1 sum.
	assert.InDelta(t, 0.35/1.1, updated.Weights.Relevance, 1e-9)
	assert.Equal(t, int64(1), updated.WeightsVersion)
	assert.False(t, updated.ColdStart)
}

func TestApplyUpdateNeverGoesNegative(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()
	ctx := context.Background()

	// Diversity starts at 0.10; repeated negative deltas floor it at 0.
	for i := 0; i < 5; i++ {
		_, err := ps.ApplyUpdate(ctx, viewerID, models.ScoringWeights{Diversity: -1})
		require.NoError(t, err)
	}

	profile := ps.GetProfile(ctx, viewerID)
	assert.Equal(t, 0.0, profile.Weights.Diversity)
	assert.True(t, profile.Weights.IsNormalized())
	assert.Equal(t, int64(5), profile.WeightsVersion)
}

func TestApplyUpdateIgnoresNonFiniteDeltas(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()

	updated, err := ps.ApplyUpdate(context.Background(), viewerID, models.ScoringWeights{
		Relevance: math.NaN(), Social: math.Inf(1),
	})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultWeights(), updated.Weights)
}

func TestRecordAffinityAccumulates(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()
	ctx := context.Background()
	key := ps.TopicKey("golang")

	// One strong positive signal moves a third of the way to 1.
	ps.RecordAffinity(ctx, viewerID, key, 1.0)
	profile := ps.GetProfile(ctx, viewerID)
	assert.InDelta(t, 1.0/3.0, ps.Affinity(profile, key), 0.01)

	// A second one moves a third of the remaining distance.
	ps.RecordAffinity(ctx, viewerID, key, 1.0)
	profile = ps.GetProfile(ctx, viewerID)
	assert.InDelta(t, 1.0/3.0+(2.0/3.0)/3.0, ps.Affinity(profile, key), 0.01)

	// Negative signals pull back toward 0.
	before := ps.Affinity(profile, key)
	ps.RecordAffinity(ctx, viewerID, key, -1.0)
	profile = ps.GetProfile(ctx, viewerID)
	assert.Less(t, ps.Affinity(profile, key), before)
}

func TestRecordAffinityClampsStrength(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()
	ctx := context.Background()
	key := ps.TopicKey("golang")

	ps.RecordAffinity(ctx, viewerID, key, 50)
	profile := ps.GetProfile(ctx, viewerID)
	assert.InDelta(t, 1.0/3.0, ps.Affinity(profile, key), 0.01)
}

func TestRecordAffinityDropsFullyDecayed(t *testing.T) {
	ps := newTestProfileStore(nil)
	viewerID := uuid.New()
	ctx := context.Background()
	key := ps.TopicKey("golang")

	ps.RecordAffinity(ctx, viewerID, key, 0.03)

	// Repeated negative signals push it under the floor; the entry is
	// removed rather than kept around at epsilon.
	for i := 0; i < 3; i++ {
		ps.RecordAffinity(ctx, viewerID, key, -1.0)
	}

	profile := ps.GetProfile(ctx, viewerID)
	_, exists := profile.Affinities[key]
	assert.False(t, exists)
}

func TestAffinityDecaysOverTime(t *testing.T) {
	ps := newTestProfileStore(nil)
	key := "topic:golang"

	profile := models.NewProfile(uuid.New())
	// One half-life ago.
	profile.Affinities[key] = models.Affinity{
		Score:     0.8,
		UpdatedAt: time.Now().Add(-168 * time.Hour),
	}

	assert.InDelta(t, 0.4, ps.Affinity(profile, key), 0.01)
	assert.Equal(t, 0.0, ps.Affinity(profile, "topic:unknown"))
}

func TestLoadProfileFromPostgres(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ps := newTestProfileStore(mock)
	viewerID := uuid.New()
	now := time.Now()

	weightsJSON := []byte(`{"relevance":0.5,"social":0.1,"freshness":0.1,"quality":0.1,"diversity":0.1,"trending":0.1}`)
	affinitiesJSON := []byte(`{"topic:golang":{"score":0.7,"updated_at":"` + now.UTC().Format(time.RFC3339) + `"}}`)

	mock.ExpectQuery("SELECT viewer_id, weights, weights_version, affinities").
		WithArgs(viewerID).
		WillReturnRows(pgxmock.NewRows(
			[]string{"viewer_id", "weights", "weights_version", "affinities", "created_at", "updated_at"},
		).AddRow(viewerID, weightsJSON, int64(3), affinitiesJSON, now, now))

	profile, err := ps.loadProfile(context.Background(), viewerID)
	require.NoError(t, err)
	require.NotNil(t, profile)

	assert.Equal(t, viewerID, profile.ViewerID)
	assert.Equal(t, int64(3), profile.WeightsVersion)
	assert.True(t, profile.Weights.IsNormalized())
	assert.InDelta(t, 0.5, profile.Weights.Relevance, 1e-9)
	assert.Contains(t, profile.Affinities, "topic:golang")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadProfileNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ps := newTestProfileStore(mock)
	viewerID := uuid.New()

	mock.ExpectQuery("SELECT viewer_id, weights, weights_version, affinities").
		WithArgs(viewerID).
		WillReturnError(pgx.ErrNoRows)

	profile, err := ps.loadProfile(context.Background(), viewerID)
	assert.NoError(t, err)
	assert.Nil(t, profile)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdatePersistsToPostgres(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ps := newTestProfileStore(mock)
	viewerID := uuid.New()

	mock.ExpectExec("INSERT INTO personalization_profiles").
		WithArgs(viewerID, pgxmock.AnyArg(), int64(1), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err = ps.ApplyUpdate(context.Background(), viewerID, models.ScoringWeights{Relevance: 0.05})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
