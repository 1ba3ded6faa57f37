package services

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// RankingEngine assembles personalized feeds: it scores candidates per
// factor, combines them with the viewer's weight vector, enforces
// diversity, blends discovery items and serves from cache when the
// ranking context is unchanged.
type RankingEngine struct {
	scorer      *Scorer
	profiles    *ProfileStore
	optimizer   *SessionOptimizer
	experiments *ExperimentManager
	trending    *TrendingService
	cache       *FeedCache
	config      *config.RankingConfig
	cacheConfig *config.CacheConfig
	validate    *validator.Validate
	logger      *logrus.Logger
}

// NewRankingEngine creates a ranking engine. Every collaborator other
// than the scorer may be nil; missing subsystems degrade the feed rather
// than fail it.
func NewRankingEngine(
	scorer *Scorer,
	profiles *ProfileStore,
	optimizer *SessionOptimizer,
	experiments *ExperimentManager,
	trending *TrendingService,
	cache *FeedCache,
	cfg *config.RankingConfig,
	cacheCfg *config.CacheConfig,
	logger *logrus.Logger,
) *RankingEngine {
	return &RankingEngine{
		scorer:      scorer,
		profiles:    profiles,
		optimizer:   optimizer,
		experiments: experiments,
		trending:    trending,
		cache:       cache,
		config:      cfg,
		cacheConfig: cacheCfg,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Rank produces an ordered feed for a viewer from the given candidate
// set. Structural option violations are rejected; subsystem failures are
// absorbed and reported through feed metadata instead.
func (re *RankingEngine) Rank(ctx context.Context, viewerID uuid.UUID, candidates []models.ContentItem, opts models.RankOptions) (*models.RankedFeed, error) {
	if viewerID == uuid.Nil {
		return nil, invalidInput("viewer id is required")
	}
	if opts.MaxConsecutiveSameAuthor == 0 {
		opts.MaxConsecutiveSameAuthor = re.config.Diversity.MaxConsecutiveSameAuthor
	}
	if opts.DiscoveryRatio == 0 {
		opts.DiscoveryRatio = re.config.Diversity.DiscoveryRatio
	}
	if err := re.validate.Struct(&opts); err != nil {
		return nil, invalidInput("invalid ranking options: %v", err)
	}

	now := time.Now()
	var degraded []string

	// Empty candidate sets produce a valid empty feed, not an error.
	if len(candidates) == 0 {
		return &models.RankedFeed{
			ViewerID: viewerID,
			Results:  []models.RankedResult{},
			Metadata: models.FeedMetadata{GeneratedAt: now},
		}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, re.config.LookupTimeout)
	defer cancel()

	profile, weights, variantID := re.resolveWeights(lookupCtx, viewerID, opts.SessionID)

	var velocities map[string]float64
	var trendVersion int64
	if re.trending != nil {
		velocities = re.trending.Velocities()
		trendVersion = re.trending.Version()
	} else {
		degraded = append(degraded, "trending")
	}

	hash := HashRankingConfig(profile.WeightsVersion, variantID, candidateVersion(candidates, trendVersion), opts.Limit)

	// Sub-score requests bypass the cache; cached feeds never carry them.
	if re.cache != nil && !opts.IncludeSubScores {
		if cached, err := re.cache.Get(ctx, viewerID, hash); err == nil {
			cached.Metadata.CacheHit = true
			return cached, nil
		}
	}

	scored := re.scoreCandidates(profile, weights, candidates, velocities, now)

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].item.ID.String() < scored[j].item.ID.String()
	})

	limit := opts.Limit
	if limit > len(scored) {
		limit = len(scored)
	}

	top := scored[:limit]
	top = re.blendDiscovery(top, scored[limit:], opts.DiscoveryRatio, profile)
	top = re.enforceDiversity(top, opts.MaxConsecutiveSameAuthor)

	results := make([]models.RankedResult, len(top))
	servedRecords := make([]ServedRecord, len(top))
	var totalScore float64
	for i, sc := range top {
		r := models.RankedResult{
			ItemID:    sc.item.ID,
			AuthorID:  sc.item.AuthorID,
			Score:     sc.score,
			Position:  i + 1,
			Discovery: sc.discovery,
		}
		if opts.IncludeSubScores {
			fs := sc.factors
			r.SubScores = &fs
		}
		results[i] = r
		totalScore += sc.score

		servedRecords[i] = ServedRecord{
			ItemID:   sc.item.ID,
			AuthorID: sc.item.AuthorID,
			Scores:   sc.factors,
			Topics:   sc.item.Topics,
		}
	}

	feed := &models.RankedFeed{
		ViewerID: viewerID,
		Results:  results,
		Metadata: models.FeedMetadata{
			TotalScore:         totalScore,
			WeightsVersion:     profile.WeightsVersion,
			VariantID:          variantID,
			Degraded:           len(degraded) > 0,
			DegradedSubsystems: degraded,
			GeneratedAt:        now,
		},
	}

	if re.optimizer != nil && opts.SessionID != "" {
		if sessionID, err := uuid.Parse(opts.SessionID); err == nil {
			re.optimizer.RecordServed(sessionID, weights, servedRecords)
		}
	}

	if re.cache != nil && !opts.IncludeSubScores {
		re.cache.Put(ctx, viewerID, hash, feed, re.cacheConfig.FeedTTL)
	}

	return feed, nil
}

// resolveWeights picks the weight vector for this request: the live
// session vector when a session exists, otherwise the stored profile
// (experiment overrides apply in both paths). The profile store never
// blocks ranking; a cold-start default is always available.
func (re *RankingEngine) resolveWeights(ctx context.Context, viewerID uuid.UUID, sessionID string) (*models.PersonalizationProfile, models.ScoringWeights, string) {
	profile := re.profiles.GetProfile(ctx, viewerID)
	weights := profile.Weights
	variantID := ""

	if sid, err := uuid.Parse(sessionID); err == nil && re.optimizer != nil {
		session := re.optimizer.EnsureSession(ctx, sid, viewerID)
		weights = session.Weights
		variantID = session.VariantID
	} else if re.experiments != nil {
		if override, _, varID := re.experiments.ActiveOverride(ctx, viewerID); override != nil {
			weights = *override
			variantID = varID
		}
	}

	if !weights.IsNormalized() {
		weights.Normalize()
	}
	return profile, weights, variantID
}

type scoredItem struct {
	item      models.ContentItem
	factors   models.FactorScores
	score     float64
	discovery bool
}

// scoreCandidates computes per-factor sub-scores and the weighted final
// score for every candidate that clears the quality floor.
func (re *RankingEngine) scoreCandidates(profile *models.PersonalizationProfile, weights models.ScoringWeights, candidates []models.ContentItem, velocities map[string]float64, now time.Time) []scoredItem {
	scored := make([]scoredItem, 0, len(candidates))

	for i := range candidates {
		item := candidates[i]
		if !item.Valid() || !re.scorer.PassesQualityFloor(&item) {
			continue
		}

		var fs models.FactorScores
		fs.Relevance = re.relevanceScore(profile, &item)
		fs.Social = re.scorer.EngagementScore(&item)
		fs.Freshness = re.scorer.FreshnessScore(&item, now)
		fs.Quality = re.scorer.QualityScore(&item)
		fs.Diversity = re.noveltyScore(profile, &item)
		fs.Trending = re.scorer.TrendingBoost(&item, velocities)

		scored = append(scored, scoredItem{
			item:    item,
			factors: fs,
			score:   sanitizeScore(fs.Combine(weights)),
		})
	}

	return scored
}

// relevanceScore maps the viewer's topic and author affinities onto
// [0,1]. Viewers with no history score everything neutral.
func (re *RankingEngine) relevanceScore(profile *models.PersonalizationProfile, item *models.ContentItem) float64 {
	var sum float64
	var n int

	for _, topic := range item.Topics {
		sum += re.profiles.Affinity(profile, re.profiles.TopicKey(topic))
		n++
	}
	sum += re.profiles.Affinity(profile, re.profiles.AuthorKey(item.AuthorID))
	n++

	if n == 0 {
		return 0.5
	}
	// Affinities live in [-1,1]; fold to [0,1] around a neutral 0.5.
	return sanitizeScore((sum/float64(n) + 1) / 2)
}

// noveltyScore rewards content outside the viewer's established
// interests. The strongest matching affinity drags novelty down.
func (re *RankingEngine) noveltyScore(profile *models.PersonalizationProfile, item *models.ContentItem) float64 {
	var strongest float64
	for _, topic := range item.Topics {
		if a := re.profiles.Affinity(profile, re.profiles.TopicKey(topic)); a > strongest {
			strongest = a
		}
	}
	if a := re.profiles.Affinity(profile, re.profiles.AuthorKey(item.AuthorID)); a > strongest {
		strongest = a
	}
	return sanitizeScore(1 - strongest)
}

// blendDiscovery swaps the tail of the feed for weighted-random picks
// from outside the viewer's affinity bubble, so filter bubbles leak.
func (re *RankingEngine) blendDiscovery(top, rest []scoredItem, ratio float64, profile *models.PersonalizationProfile) []scoredItem {
	slots := int(ratio * float64(len(top)))
	if slots == 0 || len(rest) == 0 {
		return top
	}

	pool := make([]scoredItem, 0, len(rest))
	var poolWeight float64
	for _, sc := range rest {
		if re.noveltyScore(profile, &sc.item) >= 1-re.config.Diversity.AffinityFloor {
			pool = append(pool, sc)
			poolWeight += sc.score + 1e-9
		}
	}
	if len(pool) == 0 {
		return top
	}
	if slots > len(pool) {
		slots = len(pool)
	}

	// Weighted sampling without replacement, proportional to score.
	picked := make([]scoredItem, 0, slots)
	for len(picked) < slots && len(pool) > 0 {
		target := rand.Float64() * poolWeight
		idx := len(pool) - 1
		var acc float64
		for i, sc := range pool {
			acc += sc.score + 1e-9
			if acc >= target {
				idx = i
				break
			}
		}
		choice := pool[idx]
		choice.discovery = true
		picked = append(picked, choice)
		poolWeight -= choice.score + 1e-9
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	// Discovery replaces the lowest-ranked slots.
	out := make([]scoredItem, len(top))
	copy(out, top)
	for i, sc := range picked {
		out[len(out)-1-i] = sc
	}
	return out
}

// enforceDiversity rebuilds the list in score order while capping
// consecutive items by the same author. Each slot takes the
// highest-scored item that keeps the remainder arrangeable, so a
// dominant author gets demoted past alternates that rank above or below
// the run. Only a candidate set with no alternate author at all can
// exceed the cap.
func (re *RankingEngine) enforceDiversity(items []scoredItem, maxRun int) []scoredItem {
	if maxRun <= 0 || len(items) <= maxRun {
		return items
	}

	remaining := make([]scoredItem, len(items))
	copy(remaining, items)
	counts := make(map[uuid.UUID]int)
	for i := range remaining {
		counts[remaining[i].item.AuthorID]++
	}

	out := make([]scoredItem, 0, len(items))
	var lastAuthor uuid.UUID
	run := 0

	for len(remaining) > 0 {
		pick := -1
		fallback := -1
		for i := range remaining {
			author := remaining[i].item.AuthorID
			if author == lastAuthor && run >= maxRun {
				continue
			}
			if fallback == -1 {
				fallback = i
			}
			if runCapReachable(counts, author, lastAuthor, run, maxRun, len(remaining)) {
				pick = i
				break
			}
		}
		if pick == -1 {
			pick = fallback
		}
		if pick == -1 {
			// Everything left is by the run's author; the cap cannot hold.
			out = append(out, remaining...)
			break
		}

		chosen := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		author := chosen.item.AuthorID
		counts[author]--
		if counts[author] == 0 {
			delete(counts, author)
		}
		if author == lastAuthor {
			run++
		} else {
			lastAuthor = author
			run = 1
		}
		out = append(out, chosen)
	}

	return out
}

// runCapReachable reports whether the remaining items can still be
// ordered within the run cap after taking one item by author. The
// dominant remaining author is the binding constraint: its groups of at
// most maxRun items need separators drawn from everyone else.
func runCapReachable(counts map[uuid.UUID]int, author, lastAuthor uuid.UUID, run, maxRun, remaining int) bool {
	newRun := 1
	if author == lastAuthor {
		newRun = run + 1
	}
	rest := remaining - 1
	if rest == 0 {
		return true
	}

	var dominant uuid.UUID
	most := 0
	for a, c := range counts {
		if a == author {
			c--
		}
		if c > most || (c == most && a == author) {
			most = c
			dominant = a
		}
	}
	if most == 0 {
		return true
	}

	capacity := maxRun * (rest - most + 1)
	if dominant == author {
		// The trailing run eats into the first group.
		capacity -= newRun
	}
	return most <= capacity
}

// candidateVersion fingerprints the candidate set and trending snapshot
// so cache entries go stale as soon as either changes.
func candidateVersion(candidates []models.ContentItem, trendVersion int64) int64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(trendVersion))
	h.Write(buf[:])
	for i := range candidates {
		id := candidates[i].ID
		h.Write(id[:])
	}
	return int64(h.Sum64())
}
