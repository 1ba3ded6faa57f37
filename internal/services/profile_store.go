package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// ProfileDB is the subset of pgxpool.Pool the profile store uses, kept as
// an interface so tests can substitute pgxmock.
type ProfileDB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// ProfileStore serves personalization profiles from an in-memory cache
// backed by warm Redis and durable Postgres. Reads for unknown viewers
// never block on the store: they return cold-start defaults immediately
// and refresh asynchronously.
type ProfileStore struct {
	db     ProfileDB
	neo4j  neo4j.DriverWithContext
	redis  *redis.Client
	config *config.ProfileConfig
	logger *logrus.Logger

	mu       sync.RWMutex
	profiles map[uuid.UUID]*models.PersonalizationProfile

	// refreshing tracks viewers with an in-flight async load so a burst
	// of cold reads triggers one backing-store fetch.
	refreshing sync.Map

	lowercase cases.Caser
}

// NewProfileStore creates a profile store.
func NewProfileStore(
	db ProfileDB,
	neo4jDriver neo4j.DriverWithContext,
	redisClient *redis.Client,
	cfg *config.ProfileConfig,
	logger *logrus.Logger,
) *ProfileStore {
	return &ProfileStore{
		db:        db,
		neo4j:     neo4jDriver,
		redis:     redisClient,
		config:    cfg,
		logger:    logger,
		profiles:  make(map[uuid.UUID]*models.PersonalizationProfile),
		lowercase: cases.Lower(language.Und),
	}
}

// TopicKey returns the canonical affinity map key for a topic.
func (ps *ProfileStore) TopicKey(topic string) string {
	return "topic:" + ps.lowercase.String(strings.TrimSpace(topic))
}

// AuthorKey returns the canonical affinity map key for an author.
func (ps *ProfileStore) AuthorKey(authorID uuid.UUID) string {
	return "author:" + authorID.String()
}

// GetProfile returns the viewer's profile, creating a cold-start default
// if none is cached. A cold read schedules a background refresh from the
// warm cache and durable store; the caller is never blocked on either.
func (ps *ProfileStore) GetProfile(ctx context.Context, viewerID uuid.UUID) *models.PersonalizationProfile {
	ps.mu.RLock()
	if profile, ok := ps.profiles[viewerID]; ok {
		snapshot := profile.Clone()
		ps.mu.RUnlock()
		return snapshot
	}
	ps.mu.RUnlock()

	cold := models.NewProfile(viewerID)

	ps.mu.Lock()
	// Another goroutine may have raced the cold insert.
	if existing, ok := ps.profiles[viewerID]; ok {
		defer ps.mu.Unlock()
		return existing.Clone()
	}
	ps.profiles[viewerID] = cold
	snapshot := cold.Clone()
	ps.mu.Unlock()

	ps.scheduleRefresh(viewerID)

	return snapshot
}

// scheduleRefresh loads the profile from redis or Postgres off the
// request path, seeding cold-start affinities from the collaboration
// graph when the viewer has none of their own.
func (ps *ProfileStore) scheduleRefresh(viewerID uuid.UUID) {
	if _, loaded := ps.refreshing.LoadOrStore(viewerID, struct{}{}); loaded {
		return
	}

	go func() {
		defer ps.refreshing.Delete(viewerID)

		ctx, cancel := context.WithTimeout(context.Background(), ps.config.RefreshInterval)
		defer cancel()

		loaded, err := ps.loadProfile(ctx, viewerID)
		if err != nil {
			ps.logger.WithError(err).WithField("viewer_id", viewerID).
				Warn("Profile refresh failed, keeping cold-start defaults")
			return
		}
		if loaded == nil {
			// Brand new viewer: seed affinities from similar viewers.
			ps.seedCollaborativeAffinities(ctx, viewerID)
			return
		}

		ps.mu.Lock()
		if current, ok := ps.profiles[viewerID]; !ok || current.ColdStart {
			ps.profiles[viewerID] = loaded
		}
		ps.mu.Unlock()
	}()
}

// loadProfile reads the warm redis cache first, then Postgres. A nil
// result with nil error means the viewer has no stored profile.
func (ps *ProfileStore) loadProfile(ctx context.Context, viewerID uuid.UUID) (*models.PersonalizationProfile, error) {
	if ps.redis != nil {
		if cached, err := ps.redis.Get(ctx, profileCacheKey(viewerID)).Result(); err == nil {
			var profile models.PersonalizationProfile
			if err := json.Unmarshal([]byte(cached), &profile); err == nil {
				return &profile, nil
			}
		}
	}

	if ps.db == nil {
		return nil, nil
	}

	var profile models.PersonalizationProfile
	var weightsJSON, affinitiesJSON []byte

	row := ps.db.QueryRow(ctx, `
		SELECT viewer_id, weights, weights_version, affinities, created_at, updated_at
		FROM personalization_profiles
		WHERE viewer_id = $1`, viewerID)

	err := row.Scan(&profile.ViewerID, &weightsJSON, &profile.WeightsVersion,
		&affinitiesJSON, &profile.CreatedAt, &profile.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	if err := json.Unmarshal(weightsJSON, &profile.Weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	if err := json.Unmarshal(affinitiesJSON, &profile.Affinities); err != nil {
		return nil, fmt.Errorf("failed to decode affinities: %w", err)
	}
	if profile.Affinities == nil {
		profile.Affinities = make(map[string]models.Affinity)
	}

	profile.Weights.Normalize()
	ps.cacheProfile(ctx, &profile)

	return &profile, nil
}

// ApplyUpdate merges a bounded weight delta into the stored vector and
// renormalizes. Deltas beyond MaxWeightDelta per factor are clipped.
func (ps *ProfileStore) ApplyUpdate(ctx context.Context, viewerID uuid.UUID, delta models.ScoringWeights) (*models.PersonalizationProfile, error) {
	maxDelta := ps.config.MaxWeightDelta

	ps.mu.Lock()
	profile, ok := ps.profiles[viewerID]
	if !ok {
		profile = models.NewProfile(viewerID)
		ps.profiles[viewerID] = profile
	}

	for _, f := range models.Factors() {
		d := delta.Get(f)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			d = 0
		}
		if d > maxDelta {
			d = maxDelta
		} else if d < -maxDelta {
			d = -maxDelta
		}

		v := profile.Weights.Get(f) + d
		if v < 0 {
			v = 0
		}
		profile.Weights.Set(f, v)
	}

	profile.Weights.Normalize()
	profile.WeightsVersion++
	profile.ColdStart = false
	profile.UpdatedAt = time.Now()
	snapshot := profile.Clone()
	ps.mu.Unlock()

	ps.persistProfile(ctx, snapshot)

	return snapshot, nil
}

// RecordAffinity updates the affinity map with a signed strength in
// [-1,1]. Untouched entries decay toward 0 over time, implementing
// forgetting; fully decayed entries are dropped.
func (ps *ProfileStore) RecordAffinity(ctx context.Context, viewerID uuid.UUID, key string, strength float64) {
	if math.IsNaN(strength) || math.IsInf(strength, 0) {
		return
	}
	if strength > 1 {
		strength = 1
	} else if strength < -1 {
		strength = -1
	}

	now := time.Now()

	ps.mu.Lock()
	profile, ok := ps.profiles[viewerID]
	if !ok {
		profile = models.NewProfile(viewerID)
		ps.profiles[viewerID] = profile
	}

	current := profile.Affinities[key]
	decayed := ps.decayedScore(current, now)

	// Move a third of the remaining distance per signal; keeps single
	// events from saturating an affinity.
	target := 0.0
	if strength > 0 {
		target = 1.0
	}
	updated := decayed + (target-decayed)*math.Abs(strength)/3.0

	if updated < 0.01 {
		delete(profile.Affinities, key)
	} else {
		profile.Affinities[key] = models.Affinity{Score: updated, UpdatedAt: now}
	}

	// Opportunistically decay stale entries.
	for k, a := range profile.Affinities {
		if k == key {
			continue
		}
		if d := ps.decayedScore(a, now); d < 0.01 {
			delete(profile.Affinities, k)
		}
	}

	profile.UpdatedAt = now
	snapshot := profile.Clone()
	ps.mu.Unlock()

	ps.persistProfile(ctx, snapshot)
}

// Affinity returns the decayed affinity score for a key, 0 when absent.
func (ps *ProfileStore) Affinity(profile *models.PersonalizationProfile, key string) float64 {
	a, ok := profile.Affinities[key]
	if !ok {
		return 0
	}
	return ps.decayedScore(a, time.Now())
}

func (ps *ProfileStore) decayedScore(a models.Affinity, now time.Time) float64 {
	if a.Score == 0 || a.UpdatedAt.IsZero() {
		return a.Score
	}
	halfLife := ps.config.AffinityHalfLife
	if halfLife <= 0 {
		return a.Score
	}
	elapsed := now.Sub(a.UpdatedAt)
	if elapsed <= 0 {
		return a.Score
	}
	return a.Score * math.Pow(0.5, elapsed.Hours()/halfLife.Hours())
}

// persistProfile writes through to redis and Postgres. Persistence
// failures degrade to in-memory-only state, they never fail the caller.
func (ps *ProfileStore) persistProfile(ctx context.Context, profile *models.PersonalizationProfile) {
	ps.cacheProfile(ctx, profile)

	if ps.db == nil {
		return
	}

	weightsJSON, err := json.Marshal(profile.Weights)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to encode profile weights")
		return
	}
	affinitiesJSON, err := json.Marshal(profile.Affinities)
	if err != nil {
		ps.logger.WithError(err).Error("Failed to encode profile affinities")
		return
	}

	_, err = ps.db.Exec(ctx, `
		INSERT INTO personalization_profiles (viewer_id, weights, weights_version, affinities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (viewer_id) DO UPDATE SET
			weights = EXCLUDED.weights,
			weights_version = EXCLUDED.weights_version,
			affinities = EXCLUDED.affinities,
			updated_at = EXCLUDED.updated_at
		WHERE personalization_profiles.weights_version < EXCLUDED.weights_version
			OR personalization_profiles.updated_at < EXCLUDED.updated_at`,
		profile.ViewerID, weightsJSON, profile.WeightsVersion, affinitiesJSON,
		profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		ps.logger.WithError(err).WithField("viewer_id", profile.ViewerID).
			Warn("Failed to persist profile, continuing with cached state")
	}
}

func (ps *ProfileStore) cacheProfile(ctx context.Context, profile *models.PersonalizationProfile) {
	if ps.redis == nil {
		return
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := ps.redis.Set(ctx, profileCacheKey(profile.ViewerID), data, ps.config.WarmTTL).Err(); err != nil {
		ps.logger.WithError(err).Debug("Failed to cache profile in Redis")
	}
}

// seedCollaborativeAffinities pulls topic affinities from viewers who
// follow the same authors, giving brand-new viewers a better-than-uniform
// starting point.
func (ps *ProfileStore) seedCollaborativeAffinities(ctx context.Context, viewerID uuid.UUID) {
	if ps.neo4j == nil {
		return
	}

	session := ps.neo4j.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (v:Viewer {viewer_id: $viewerId})-[:FOLLOWS]->(a:Author)<-[:FOLLOWS]-(peer:Viewer)
		MATCH (peer)-[aff:AFFINE_TO]->(t:Topic)
		WHERE aff.score >= 0.5
		WITH t.name AS topic, avg(aff.score) AS score, count(DISTINCT peer) AS peers
		WHERE peers >= 2
		RETURN topic, score
		ORDER BY score DESC
		LIMIT 10`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"viewerId": viewerID.String(),
	})
	if err != nil {
		ps.logger.WithError(err).Debug("Collaborative affinity seeding unavailable")
		return
	}

	now := time.Now()
	seeded := 0

	ps.mu.Lock()
	defer ps.mu.Unlock()

	profile, ok := ps.profiles[viewerID]
	if !ok || len(profile.Affinities) > 0 {
		return
	}

	for result.Next(ctx) {
		record := result.Record()
		topic, _ := record.Values[0].(string)
		score, _ := record.Values[1].(float64)
		if topic == "" {
			continue
		}
		// Seeded affinities start at half strength so the viewer's own
		// behavior overrides them quickly.
		profile.Affinities[ps.TopicKey(topic)] = models.Affinity{
			Score:     sanitizeScore(score / 2),
			UpdatedAt: now,
		}
		seeded++
	}

	if seeded > 0 {
		ps.logger.WithFields(logrus.Fields{
			"viewer_id": viewerID,
			"seeded":    seeded,
		}).Debug("Seeded cold-start affinities from collaboration graph")
	}
}

func profileCacheKey(viewerID uuid.UUID) string {
	return "profile:" + viewerID.String()
}
