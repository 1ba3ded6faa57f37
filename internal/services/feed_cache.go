package services

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// RankingConfigHash identifies one ranking configuration. It folds in the
// weights version, the experiment variant and the candidate-set version so
// a cached feed is never served across incompatible configurations.
type RankingConfigHash uint64

// HashRankingConfig computes the cache-key hash for a ranking pass.
func HashRankingConfig(weightsVersion int64, variantID string, candidateVersion int64, limit int) RankingConfigHash {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d|%d", weightsVersion, variantID, candidateVersion, limit)
	return RankingConfigHash(h.Sum64())
}

type cachedFeed struct {
	feed      *models.RankedFeed
	expiresAt time.Time
}

// FeedCache stores computed rankings in a small local tier fronting warm
// Redis. TTLs are short because freshness scores decay continuously; new
// content and trend spikes trigger targeted invalidation instead of
// waiting for expiry.
type FeedCache struct {
	redis  *redis.Client
	config *config.CacheConfig
	logger *logrus.Logger

	mu    sync.RWMutex
	local map[string]cachedFeed
}

// NewFeedCache creates a feed cache. A nil redis client degrades to the
// local tier only.
func NewFeedCache(redisClient *redis.Client, cfg *config.CacheConfig, logger *logrus.Logger) *FeedCache {
	return &FeedCache{
		redis:  redisClient,
		config: cfg,
		logger: logger,
		local:  make(map[string]cachedFeed),
	}
}

func feedCacheKey(viewerID uuid.UUID, hash RankingConfigHash) string {
	return fmt.Sprintf("feed:%s:%016x", viewerID, uint64(hash))
}

// Get returns a cached feed or ErrCacheMiss. The returned feed is the
// caller's to mutate; the stored entry is shared across hits and never
// handed out directly.
func (fc *FeedCache) Get(ctx context.Context, viewerID uuid.UUID, hash RankingConfigHash) (*models.RankedFeed, error) {
	key := feedCacheKey(viewerID, hash)

	fc.mu.RLock()
	entry, ok := fc.local[key]
	fc.mu.RUnlock()

	if ok {
		if time.Now().Before(entry.expiresAt) {
			return copyFeed(entry.feed), nil
		}
		fc.mu.Lock()
		delete(fc.local, key)
		fc.mu.Unlock()
	}

	if fc.redis == nil {
		return nil, ErrCacheMiss
	}

	data, err := fc.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		// Treat cache-tier errors as misses; the caller recomputes.
		fc.logger.WithError(err).Debug("Feed cache read failed")
		return nil, ErrCacheMiss
	}

	var feed models.RankedFeed
	if err := json.Unmarshal([]byte(data), &feed); err != nil {
		return nil, ErrCacheMiss
	}

	fc.storeLocal(key, &feed, fc.config.FeedTTL)
	return copyFeed(&feed), nil
}

// copyFeed clones a feed deeply enough that the caller owns the
// metadata and result slots.
func copyFeed(feed *models.RankedFeed) *models.RankedFeed {
	out := *feed
	out.Results = make([]models.RankedResult, len(feed.Results))
	copy(out.Results, feed.Results)
	return &out
}

// Put caches a computed feed with the given TTL (the configured default
// when ttl is zero). Writes are safe to fire-and-forget from an
// already-answered request.
func (fc *FeedCache) Put(ctx context.Context, viewerID uuid.UUID, hash RankingConfigHash, feed *models.RankedFeed, ttl time.Duration) {
	if ttl <= 0 {
		ttl = fc.config.FeedTTL
	}
	key := feedCacheKey(viewerID, hash)

	fc.storeLocal(key, copyFeed(feed), ttl)

	if fc.redis == nil {
		return
	}

	data, err := json.Marshal(feed)
	if err != nil {
		fc.logger.WithError(err).Error("Failed to encode feed for cache")
		return
	}
	if err := fc.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		fc.logger.WithError(err).Debug("Feed cache write failed")
	}
}

// InvalidateViewer drops all cached feeds for one viewer, regardless of
// ranking configuration.
func (fc *FeedCache) InvalidateViewer(ctx context.Context, viewerID uuid.UUID) {
	fc.Invalidate(ctx, fmt.Sprintf("feed:%s:*", viewerID))
}

// Invalidate drops every cached feed whose key matches the glob pattern.
func (fc *FeedCache) Invalidate(ctx context.Context, pattern string) {
	fc.mu.Lock()
	for key := range fc.local {
		if matched, _ := path.Match(pattern, key); matched {
			delete(fc.local, key)
		}
	}
	fc.mu.Unlock()

	if fc.redis == nil {
		return
	}

	var cursor uint64
	for {
		keys, next, err := fc.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			fc.logger.WithError(err).Debug("Feed cache invalidation scan failed")
			return
		}
		if len(keys) > 0 {
			if err := fc.redis.Del(ctx, keys...).Err(); err != nil {
				fc.logger.WithError(err).Debug("Feed cache invalidation delete failed")
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

// InvalidateAll drops every cached feed. Used when a high-velocity trend
// update makes all trending sub-scores stale at once.
func (fc *FeedCache) InvalidateAll(ctx context.Context) {
	fc.Invalidate(ctx, "feed:*")
}

func (fc *FeedCache) storeLocal(key string, feed *models.RankedFeed, ttl time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	// Bounded local tier: evict expired entries first, then oldest.
	if len(fc.local) >= fc.config.LocalSize && fc.config.LocalSize > 0 {
		now := time.Now()
		for k, e := range fc.local {
			if now.After(e.expiresAt) {
				delete(fc.local, k)
			}
		}
		for k := range fc.local {
			if len(fc.local) < fc.config.LocalSize {
				break
			}
			delete(fc.local, k)
		}
	}

	fc.local[key] = cachedFeed{feed: feed, expiresAt: time.Now().Add(ttl)}
}
