package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/feedrank/internal/config"
)

type fakeTrendSource struct {
	velocities map[string]float64
	err        error
}

func (f *fakeTrendSource) TrendVelocities(ctx context.Context) (map[string]float64, error) {
	return f.velocities, f.err
}

func newTestTrendingService(source TrendSource, cache *FeedCache) *TrendingService {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.Default()
	return NewTrendingService(source, nil, cache, &cfg.Trending, logger)
}

func TestTrendingRefreshUpdatesSnapshot(t *testing.T) {
	source := &fakeTrendSource{velocities: map[string]float64{"golang": 0.6}}
	ts := newTestTrendingService(source, nil)

	assert.Equal(t, int64(0), ts.Version())
	assert.Equal(t, 0.0, ts.Velocity("golang"))

	ts.refresh()

	assert.Equal(t, int64(1), ts.Version())
	assert.InDelta(t, 0.6, ts.Velocity("golang"), 1e-9)
	assert.Equal(t, 0.0, ts.Velocity("unknown"))
}

func TestTrendingRefreshSanitizesVelocities(t *testing.T) {
	source := &fakeTrendSource{velocities: map[string]float64{"hot": 3.5, "bad": -1}}
	ts := newTestTrendingService(source, nil)

	ts.refresh()

	assert.Equal(t, 1.0, ts.Velocity("hot"))
	assert.Equal(t, 0.0, ts.Velocity("bad"))
}

func TestTrendingRefreshKeepsStaleSnapshotOnError(t *testing.T) {
	source := &fakeTrendSource{velocities: map[string]float64{"golang": 0.6}}
	ts := newTestTrendingService(source, nil)
	ts.refresh()
	require.Equal(t, int64(1), ts.Version())

	source.err = errors.New("upstream down")
	source.velocities = nil
	ts.refresh()

	// Previous snapshot survives a failed refresh.
	assert.Equal(t, int64(1), ts.Version())
	assert.InDelta(t, 0.6, ts.Velocity("golang"), 1e-9)
}

func TestHighVelocitySpikeInvalidatesFeeds(t *testing.T) {
	cache := newTestCache(16, time.Minute)
	ctx := context.Background()
	viewerID := uuid.New()
	hash := HashRankingConfig(1, "", 1, 10)
	cache.Put(ctx, viewerID, hash, testFeed(viewerID), 0)

	// Default high-velocity threshold is 0.8.
	source := &fakeTrendSource{velocities: map[string]float64{"breaking": 0.9}}
	ts := newTestTrendingService(source, cache)

	ts.refresh()

	_, err := cache.Get(ctx, viewerID, hash)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSteadyTrendDoesNotInvalidate(t *testing.T) {
	cache := newTestCache(16, time.Minute)
	ctx := context.Background()
	viewerID := uuid.New()
	hash := HashRankingConfig(1, "", 1, 10)

	source := &fakeTrendSource{velocities: map[string]float64{"breaking": 0.9}}
	ts := newTestTrendingService(source, cache)
	ts.refresh()

	// Already above threshold; a repeat refresh is not a new spike.
	cache.Put(ctx, viewerID, hash, testFeed(viewerID), 0)
	ts.refresh()

	_, err := cache.Get(ctx, viewerID, hash)
	assert.NoError(t, err)
}
