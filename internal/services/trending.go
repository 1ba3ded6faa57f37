package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
)

// TrendSource is the external trending-signal collaborator. Velocities
// are in [0,1]; absence of a signal for a topic means velocity 0.
type TrendSource interface {
	TrendVelocities(ctx context.Context) (map[string]float64, error)
}

// TrendingService snapshots trend velocities on a refresh interval and
// serves them to the scorer without an I/O hop per ranking request. A
// high-velocity update invalidates cached feeds so trending sub-scores
// don't go stale behind the TTL.
type TrendingService struct {
	source    TrendSource
	redis     *redis.Client
	feedCache *FeedCache
	config    *config.TrendingConfig
	logger    *logrus.Logger

	mu         sync.RWMutex
	velocities map[string]float64
	version    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTrendingService creates a trending snapshot service.
func NewTrendingService(
	source TrendSource,
	redisClient *redis.Client,
	feedCache *FeedCache,
	cfg *config.TrendingConfig,
	logger *logrus.Logger,
) *TrendingService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TrendingService{
		source:     source,
		redis:      redisClient,
		feedCache:  feedCache,
		config:     cfg,
		logger:     logger,
		velocities: make(map[string]float64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the periodic refresh worker.
func (ts *TrendingService) Start() error {
	ts.loadSnapshot()

	ts.wg.Add(1)
	go ts.refreshWorker()

	return nil
}

// Stop shuts down the refresh worker.
func (ts *TrendingService) Stop() {
	ts.cancel()
	ts.wg.Wait()
}

// Velocities returns the current snapshot. The returned map must not be
// mutated by callers.
func (ts *TrendingService) Velocities() map[string]float64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.velocities
}

// Velocity returns the trend velocity for one topic, 0 when unknown.
func (ts *TrendingService) Velocity(topic string) float64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.velocities[topic]
}

// Version increments whenever the snapshot changes; it participates in
// ranking-configuration hashes.
func (ts *TrendingService) Version() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.version
}

func (ts *TrendingService) refreshWorker() {
	defer ts.wg.Done()

	ticker := time.NewTicker(ts.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ts.refresh()
		case <-ts.ctx.Done():
			return
		}
	}
}

func (ts *TrendingService) refresh() {
	if ts.source == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ts.ctx, ts.config.RefreshInterval/2)
	defer cancel()

	fresh, err := ts.source.TrendVelocities(ctx)
	if err != nil {
		// Keep serving the previous snapshot; trending is a soft signal.
		ts.logger.WithError(err).Warn("Trend velocity refresh failed, keeping stale snapshot")
		return
	}

	sanitized := make(map[string]float64, len(fresh))
	spiked := false
	threshold := ts.config.HighVelocityThreshold

	ts.mu.Lock()
	previous := ts.velocities
	for topic, v := range fresh {
		v = sanitizeScore(v)
		sanitized[topic] = v
		if v >= threshold && previous[topic] < threshold {
			spiked = true
		}
	}
	ts.velocities = sanitized
	ts.version++
	ts.mu.Unlock()

	ts.saveSnapshot(ctx, sanitized)

	if spiked && ts.feedCache != nil {
		ts.logger.Info("High-velocity trend update, invalidating cached feeds")
		ts.feedCache.InvalidateAll(ctx)
	}
}

// saveSnapshot persists the snapshot to warm Redis so restarts don't rank
// trending-blind until the first refresh.
func (ts *TrendingService) saveSnapshot(ctx context.Context, velocities map[string]float64) {
	if ts.redis == nil {
		return
	}
	data, err := json.Marshal(velocities)
	if err != nil {
		return
	}
	if err := ts.redis.Set(ctx, "trending:snapshot", data, ts.config.RefreshInterval*3).Err(); err != nil {
		ts.logger.WithError(err).Debug("Failed to persist trending snapshot")
	}
}

func (ts *TrendingService) loadSnapshot() {
	if ts.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ts.ctx, 5*time.Second)
	defer cancel()

	data, err := ts.redis.Get(ctx, "trending:snapshot").Result()
	if err != nil {
		return
	}

	var velocities map[string]float64
	if err := json.Unmarshal([]byte(data), &velocities); err != nil {
		return
	}

	ts.mu.Lock()
	ts.velocities = velocities
	ts.version++
	ts.mu.Unlock()
}
