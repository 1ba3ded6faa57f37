package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

type engineFixture struct {
	engine   *RankingEngine
	profiles *ProfileStore
	cache    *FeedCache
	cfg      *config.Config
}

func newEngineFixture() *engineFixture {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	scorer := NewScorer(&cfg.Ranking, &cfg.Trending)
	profiles := NewProfileStore(nil, nil, nil, &cfg.Profile, logger)
	cache := NewFeedCache(nil, &cfg.Cache, logger)

	engine := NewRankingEngine(scorer, profiles, nil, nil, nil, cache, &cfg.Ranking, &cfg.Cache, logger)
	return &engineFixture{engine: engine, profiles: profiles, cache: cache, cfg: cfg}
}

func candidate(authorID uuid.UUID, ageHours float64, likes, views int64) models.ContentItem {
	return models.ContentItem{
		ID:          uuid.New(),
		AuthorID:    authorID,
		ContentType: "post",
		TextLength:  200,
		Likes:       likes,
		Views:       views,
		CreatedAt:   time.Now().Add(-time.Duration(ageHours * float64(time.Hour))),
	}
}

func TestRankRejectsInvalidInput(t *testing.T) {
	fix := newEngineFixture()
	ctx := context.Background()
	candidates := []models.ContentItem{candidate(uuid.New(), 1, 10, 100)}

	_, err := fix.engine.Rank(ctx, uuid.Nil, candidates, models.RankOptions{Limit: 10})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = fix.engine.Rank(ctx, uuid.New(), candidates, models.RankOptions{Limit: 500})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = fix.engine.Rank(ctx, uuid.New(), candidates, models.RankOptions{Limit: 10, DiscoveryRatio: 1.5})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRankEmptyCandidates(t *testing.T) {
	fix := newEngineFixture()

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), nil, models.RankOptions{Limit: 10})
	require.NoError(t, err)

	assert.Empty(t, feed.Results)
	assert.Equal(t, 0.0, feed.Metadata.TotalScore)
	assert.False(t, feed.Metadata.CacheHit)
}

func TestRankOrdersByScore(t *testing.T) {
	fix := newEngineFixture()

	fresh := candidate(uuid.New(), 0.5, 200, 2000)
	stale := candidate(uuid.New(), 48, 200, 2000)

	feed, err := fix.engine.Rank(context.Background(), uuid.New(),
		[]models.ContentItem{stale, fresh}, models.RankOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, feed.Results, 2)

	assert.Equal(t, fresh.ID, feed.Results[0].ItemID)
	assert.Equal(t, stale.ID, feed.Results[1].ItemID)

	// Positions are 1-based and sequential.
	for i, r := range feed.Results {
		assert.Equal(t, i+1, r.Position)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
	assert.Greater(t, feed.Results[0].Score, feed.Results[1].Score)
}

func TestRankFiltersInvalidAndLowQuality(t *testing.T) {
	fix := newEngineFixture()

	good := candidate(uuid.New(), 1, 10, 100)

	tooShort := candidate(uuid.New(), 1, 10, 100)
	tooShort.TextLength = 3

	noAuthor := candidate(uuid.New(), 1, 10, 100)
	noAuthor.AuthorID = uuid.Nil

	feed, err := fix.engine.Rank(context.Background(), uuid.New(),
		[]models.ContentItem{good, tooShort, noAuthor}, models.RankOptions{Limit: 10})
	require.NoError(t, err)

	require.Len(t, feed.Results, 1)
	assert.Equal(t, good.ID, feed.Results[0].ItemID)
}

func TestRankHonorsLimit(t *testing.T) {
	fix := newEngineFixture()

	candidates := make([]models.ContentItem, 20)
	for i := range candidates {
		candidates[i] = candidate(uuid.New(), float64(i), 10, 100)
	}

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), candidates, models.RankOptions{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, feed.Results, 5)
}

func TestRankEnforcesAuthorDiversity(t *testing.T) {
	fix := newEngineFixture()

	// One prolific author with the freshest items, two others behind.
	prolific := uuid.New()
	otherA := uuid.New()
	otherB := uuid.New()

	var candidates []models.ContentItem
	for i := 0; i < 6; i++ {
		candidates = append(candidates, candidate(prolific, float64(i)*0.1, 100, 1000))
	}
	for i := 0; i < 3; i++ {
		candidates = append(candidates, candidate(otherA, 10+float64(i), 10, 100))
		candidates = append(candidates, candidate(otherB, 10+float64(i), 10, 100))
	}

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), candidates,
		models.RankOptions{Limit: 12, MaxConsecutiveSameAuthor: 2})
	require.NoError(t, err)

	run := 1
	for i := 1; i < len(feed.Results); i++ {
		if feed.Results[i].AuthorID == feed.Results[i-1].AuthorID {
			run++
		} else {
			run = 1
		}
		assert.LessOrEqual(t, run, 2, "author run exceeds cap at position %d", i+1)
	}
}

func TestRankCapsRunWhenAlternateRanksAbove(t *testing.T) {
	fix := newEngineFixture()

	// The only alternate-author item outscores the prolific author's
	// entire block, so no donor exists below the run.
	lone := uuid.New()
	prolific := uuid.New()

	candidates := []models.ContentItem{candidate(lone, 0.1, 100, 1000)}
	for i := 0; i < 4; i++ {
		candidates = append(candidates, candidate(prolific, 5+float64(i), 100, 1000))
	}

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), candidates,
		models.RankOptions{Limit: 10, MaxConsecutiveSameAuthor: 2})
	require.NoError(t, err)
	require.Len(t, feed.Results, 5)

	run := 1
	for i := 1; i < len(feed.Results); i++ {
		if feed.Results[i].AuthorID == feed.Results[i-1].AuthorID {
			run++
		} else {
			run = 1
		}
		assert.LessOrEqual(t, run, 2, "author run exceeds cap at position %d", i+1)
	}
}

func TestEnforceDiversityDemotesRunPastEarlierAlternate(t *testing.T) {
	fix := newEngineFixture()

	lone := uuid.New()
	prolific := uuid.New()
	items := []scoredItem{
		{item: models.ContentItem{ID: uuid.New(), AuthorID: lone}, score: 0.9},
		{item: models.ContentItem{ID: uuid.New(), AuthorID: prolific}, score: 0.8},
		{item: models.ContentItem{ID: uuid.New(), AuthorID: prolific}, score: 0.7},
		{item: models.ContentItem{ID: uuid.New(), AuthorID: prolific}, score: 0.6},
		{item: models.ContentItem{ID: uuid.New(), AuthorID: prolific}, score: 0.5},
	}

	out := fix.engine.enforceDiversity(items, 2)
	require.Len(t, out, 5)

	// The lone alternate is spent where it splits the dominant block,
	// not at the top where its score would place it.
	assert.Equal(t, prolific, out[0].item.AuthorID)
	assert.Equal(t, prolific, out[1].item.AuthorID)
	assert.Equal(t, lone, out[2].item.AuthorID)
	assert.Equal(t, prolific, out[3].item.AuthorID)
	assert.Equal(t, prolific, out[4].item.AuthorID)

	seen := make(map[uuid.UUID]bool, len(out))
	for _, sc := range out {
		seen[sc.item.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestEnforceDiversitySingleAuthorKeepsOrder(t *testing.T) {
	fix := newEngineFixture()

	author := uuid.New()
	items := []scoredItem{
		{item: models.ContentItem{ID: uuid.New(), AuthorID: author}, score: 0.9},
		{item: models.ContentItem{ID: uuid.New(), AuthorID: author}, score: 0.8},
		{item: models.ContentItem{ID: uuid.New(), AuthorID: author}, score: 0.7},
	}

	// No alternate author exists; the cap cannot hold and score order
	// stands.
	out := fix.engine.enforceDiversity(items, 2)
	require.Len(t, out, 3)
	for i := range items {
		assert.Equal(t, items[i].item.ID, out[i].item.ID)
	}
}

func TestRankRepositionsStaleVirality(t *testing.T) {
	fix := newEngineFixture()

	likes := []int64{45, 5, 28, 120, 5}
	ages := []float64{1, 0.5, 2, 24, 1.5}

	candidates := make([]models.ContentItem, len(likes))
	for i := range likes {
		candidates[i] = candidate(uuid.New(), ages[i], likes[i], likes[i]*10)
	}
	viral := candidates[3]

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), candidates,
		models.RankOptions{Limit: 10, IncludeSubScores: true})
	require.NoError(t, err)
	require.Len(t, feed.Results, 5)

	positions := make(map[uuid.UUID]int, len(feed.Results))
	for _, r := range feed.Results {
		positions[r.ItemID] = r.Position
		if r.ItemID == viral.ID {
			// 24 hours of decay at the post lambda.
			require.NotNil(t, r.SubScores)
			assert.Less(t, r.SubScores.Freshness, 0.2)
		}
	}

	// The most-liked but oldest item falls behind every fresher,
	// less viral candidate.
	assert.Equal(t, len(candidates), positions[viral.ID])
	assert.Equal(t, 1, positions[candidates[0].ID])
}

func TestRankSubScores(t *testing.T) {
	fix := newEngineFixture()
	candidates := []models.ContentItem{candidate(uuid.New(), 1, 50, 500)}

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), candidates,
		models.RankOptions{Limit: 10, IncludeSubScores: true})
	require.NoError(t, err)
	require.Len(t, feed.Results, 1)

	sub := feed.Results[0].SubScores
	require.NotNil(t, sub)
	assert.Greater(t, sub.Freshness, 0.9)
	assert.Greater(t, sub.Social, 0.0)
	// Neutral relevance for a viewer with no history.
	assert.InDelta(t, 0.5, sub.Relevance, 1e-9)

	// The plain path never carries sub-scores.
	feed, err = fix.engine.Rank(context.Background(), uuid.New(), candidates, models.RankOptions{Limit: 10})
	require.NoError(t, err)
	assert.Nil(t, feed.Results[0].SubScores)
}

func TestRankDegradedWithoutTrending(t *testing.T) {
	fix := newEngineFixture()
	candidates := []models.ContentItem{candidate(uuid.New(), 1, 10, 100)}

	feed, err := fix.engine.Rank(context.Background(), uuid.New(), candidates, models.RankOptions{Limit: 10})
	require.NoError(t, err)

	assert.True(t, feed.Metadata.Degraded)
	assert.Contains(t, feed.Metadata.DegradedSubsystems, "trending")
}

func TestRankServesFromCache(t *testing.T) {
	fix := newEngineFixture()
	viewerID := uuid.New()
	candidates := []models.ContentItem{
		candidate(uuid.New(), 1, 10, 100),
		candidate(uuid.New(), 2, 20, 200),
	}
	opts := models.RankOptions{Limit: 10}

	first, err := fix.engine.Rank(context.Background(), viewerID, candidates, opts)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := fix.engine.Rank(context.Background(), viewerID, candidates, opts)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, len(first.Results), len(second.Results))

	// A changed candidate set is a different ranking configuration.
	moreCandidates := append([]models.ContentItem{candidate(uuid.New(), 3, 30, 300)}, candidates...)
	third, err := fix.engine.Rank(context.Background(), viewerID, moreCandidates, opts)
	require.NoError(t, err)
	assert.False(t, third.Metadata.CacheHit)
}

func TestRankAffinityLiftsRelevantContent(t *testing.T) {
	fix := newEngineFixture()
	viewerID := uuid.New()
	ctx := context.Background()

	// Build a strong preference for one topic.
	for i := 0; i < 10; i++ {
		fix.profiles.RecordAffinity(ctx, viewerID, fix.profiles.TopicKey("golang"), 1.0)
	}

	liked := candidate(uuid.New(), 5, 10, 100)
	liked.Topics = []string{"golang"}
	neutral := candidate(uuid.New(), 5, 10, 100)
	neutral.Topics = []string{"gardening"}

	feed, err := fix.engine.Rank(ctx, viewerID, []models.ContentItem{neutral, liked},
		models.RankOptions{Limit: 10, IncludeSubScores: true})
	require.NoError(t, err)
	require.Len(t, feed.Results, 2)

	byItem := map[uuid.UUID]*models.FactorScores{}
	for _, r := range feed.Results {
		byItem[r.ItemID] = r.SubScores
	}

	assert.Greater(t, byItem[liked.ID].Relevance, byItem[neutral.ID].Relevance)
	// The favored topic is also less novel.
	assert.Less(t, byItem[liked.ID].Diversity, byItem[neutral.ID].Diversity)
	// Unknown topics score neutral, not zero.
	assert.InDelta(t, 0.5, byItem[neutral.ID].Relevance, 1e-9)
}

func TestRankDiscoveryBlending(t *testing.T) {
	fix := newEngineFixture()
	viewerID := uuid.New()
	ctx := context.Background()

	// Strongly established interest so in-bubble items outrank the rest
	// and out-of-bubble items qualify for discovery.
	for i := 0; i < 10; i++ {
		fix.profiles.RecordAffinity(ctx, viewerID, fix.profiles.TopicKey("golang"), 1.0)
	}

	// In-bubble items are fresh and viral so they clearly own the top
	// slots; out-of-bubble items trail far behind on raw score.
	var candidates []models.ContentItem
	for i := 0; i < 10; i++ {
		c := candidate(uuid.New(), 0.5, 1000, 10000)
		c.Topics = []string{"golang"}
		candidates = append(candidates, c)
	}
	for i := 0; i < 10; i++ {
		c := candidate(uuid.New(), 30, 5, 50)
		c.Topics = []string{"pottery"}
		candidates = append(candidates, c)
	}

	feed, err := fix.engine.Rank(ctx, viewerID, candidates,
		models.RankOptions{Limit: 10, DiscoveryRatio: 0.3})
	require.NoError(t, err)
	require.Len(t, feed.Results, 10)

	discoveries := 0
	for _, r := range feed.Results {
		if r.Discovery {
			discoveries++
		}
	}
	assert.Greater(t, discoveries, 0)
	assert.LessOrEqual(t, discoveries, 3)
}

func TestRankSessionWeightsUsed(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Session.StabilityPeriod = 0
	scorer := NewScorer(&cfg.Ranking, &cfg.Trending)
	profiles := NewProfileStore(nil, nil, nil, &cfg.Profile, logger)
	cache := NewFeedCache(nil, &cfg.Cache, logger)
	optimizer := NewSessionOptimizer(profiles, nil, cache, nil, nil, &cfg.Session, logger)
	defer optimizer.Stop()

	engine := NewRankingEngine(scorer, profiles, optimizer, nil, nil, cache, &cfg.Ranking, &cfg.Cache, logger)

	viewerID := uuid.New()
	sessionID := uuid.New()
	candidates := []models.ContentItem{candidate(uuid.New(), 1, 10, 100)}

	feed, err := engine.Rank(context.Background(), viewerID, candidates,
		models.RankOptions{Limit: 10, SessionID: sessionID.String()})
	require.NoError(t, err)
	require.Len(t, feed.Results, 1)

	// Ranking with a session id registers the served items for feedback
	// attribution.
	session := optimizer.Session(sessionID)
	require.NotNil(t, session)
	assert.Equal(t, viewerID, session.ViewerID)
}

func TestRankRecomputesAfterSessionFeedback(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Session.StabilityPeriod = 0
	scorer := NewScorer(&cfg.Ranking, &cfg.Trending)
	profiles := NewProfileStore(nil, nil, nil, &cfg.Profile, logger)
	cache := NewFeedCache(nil, &cfg.Cache, logger)
	optimizer := NewSessionOptimizer(profiles, nil, cache, nil, nil, &cfg.Session, logger)
	defer optimizer.Stop()

	engine := NewRankingEngine(scorer, profiles, optimizer, nil, nil, cache, &cfg.Ranking, &cfg.Cache, logger)

	viewerID := uuid.New()
	sessionID := uuid.New()
	candidates := []models.ContentItem{
		candidate(uuid.New(), 1, 10, 100),
		candidate(uuid.New(), 2, 20, 200),
	}
	opts := models.RankOptions{Limit: 10, SessionID: sessionID.String()}
	ctx := context.Background()

	first, err := engine.Rank(ctx, viewerID, candidates, opts)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := engine.Rank(ctx, viewerID, candidates, opts)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)

	// Feedback nudges the session vector, which makes every cached feed
	// for this viewer stale.
	before := optimizer.Session(sessionID).Weights
	_, err = optimizer.RecordFeedback(ctx, sessionID, likeEvent(viewerID, first.Results[0].ItemID, 15))
	require.NoError(t, err)
	require.NotEqual(t, before, optimizer.Session(sessionID).Weights)

	third, err := engine.Rank(ctx, viewerID, candidates, opts)
	require.NoError(t, err)
	assert.False(t, third.Metadata.CacheHit)
}
