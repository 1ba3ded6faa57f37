package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/internal/database"
	"github.com/velora/feedrank/internal/messaging"
)

type Services struct {
	logger *logrus.Logger

	Auth        *AuthService
	RateLimit   *RateLimitService
	Health      *HealthService
	MessageBus  *messaging.MessageBus
	Scorer      *Scorer
	Profiles    *ProfileStore
	TrendSource *InteractionTrendSource
	Trending    *TrendingService
	FeedCache   *FeedCache
	Experiments *ExperimentManager
	Optimizer   *SessionOptimizer
	Ranking     *RankingEngine
	Metrics     *MetricsCollector
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database) (*Services, error) {
	authService := NewAuthService(cfg, logger, db.Redis.Hot)
	rateLimitService := NewRateLimitService(cfg, logger, db.Redis.Hot)
	healthService := NewHealthService(cfg, logger, db)

	messageBus, err := messaging.NewMessageBus(cfg, logger)
	if err != nil {
		return nil, err
	}

	feedCache := NewFeedCache(db.Redis.Warm, &cfg.Cache, logger)
	profileStore := NewProfileStore(db.PG, db.Neo4j, db.Redis.Hot, &cfg.Profile, logger)
	experimentManager := NewExperimentManager(db.Redis.Hot, &cfg.Experiment, logger)

	trendSource := NewInteractionTrendSource(cfg.Trending.RefreshInterval*4, 10)
	trendingService := NewTrendingService(trendSource, db.Redis.Warm, feedCache, &cfg.Trending, logger)

	sessionOptimizer := NewSessionOptimizer(
		profileStore, experimentManager, feedCache, db.PG, messageBus, &cfg.Session, logger,
	)

	scorer := NewScorer(&cfg.Ranking, &cfg.Trending)
	rankingEngine := NewRankingEngine(
		scorer, profileStore, sessionOptimizer, experimentManager, trendingService,
		feedCache, &cfg.Ranking, &cfg.Cache, logger,
	)

	metricsCollector := NewMetricsCollector(db.PG, sessionOptimizer, logger)

	return &Services{
		logger:      logger,
		Auth:        authService,
		RateLimit:   rateLimitService,
		Health:      healthService,
		MessageBus:  messageBus,
		Scorer:      scorer,
		Profiles:    profileStore,
		TrendSource: trendSource,
		Trending:    trendingService,
		FeedCache:   feedCache,
		Experiments: experimentManager,
		Optimizer:   sessionOptimizer,
		Ranking:     rankingEngine,
		Metrics:     metricsCollector,
	}, nil
}

// Start launches the background workers: session janitor, trending
// refresher and the interaction stream consumer.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Optimizer.Start(); err != nil {
		return err
	}
	if err := s.Trending.Start(); err != nil {
		return err
	}

	go s.consumeInteractions(ctx)
	return nil
}

// Stop shuts the workers down in dependency order: the consumer stops
// with ctx, then sessions flush, then trending and the bus close.
func (s *Services) Stop() {
	s.Optimizer.Stop()
	s.Trending.Stop()
	_ = s.MessageBus.Close()
	_ = s.Metrics.Close()
}

func (s *Services) consumeInteractions(ctx context.Context) {
	err := s.MessageBus.ConsumeInteractions(ctx, func(msg messaging.InteractionMessage) error {
		event := msg.Event
		if event.Timestamp.IsZero() {
			event.Timestamp = msg.Timestamp
		}

		s.TrendSource.Observe(event.Topics)
		s.Metrics.RecordFeedback(event)

		return s.Optimizer.SubmitFeedback(event.SessionID, event)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("Interaction consumer exited")
	}
}
