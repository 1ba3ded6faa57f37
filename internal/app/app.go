package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/internal/database"
	"github.com/velora/feedrank/internal/handlers"
	"github.com/velora/feedrank/internal/middleware"
	"github.com/velora/feedrank/internal/services"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine

	cancelWorkers context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	svc, err := services.New(cfg, app.logger, db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svc

	h, err := handlers.New(app.logger, svc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}
	app.handlers = h

	workerCtx, cancel := context.WithCancel(context.Background())
	app.cancelWorkers = cancel
	if err := svc.Start(workerCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start background workers: %w", err)
	}

	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	a.cancelWorkers()
	a.services.Stop()

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		return err
	}

	return nil
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config))

	// Health and Prometheus endpoints stay unauthenticated.
	router.GET("/health", a.handlers.Health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.Use(middleware.Auth(a.services.Auth, a.logger))
		api.Use(middleware.RateLimit(a.services.RateLimit, a.logger))

		feed := api.Group("/feed")
		{
			feed.POST("/rank", a.handlers.Feed.Rank)
		}

		api.POST("/feedback", a.handlers.Feed.Feedback)

		experiments := api.Group("/experiments")
		{
			experiments.GET("", a.handlers.Experiment.List)
			experiments.GET("/:experimentId", a.handlers.Experiment.Get)
			experiments.GET("/:experimentId/results", a.handlers.Experiment.Results)
			experiments.GET("/:experimentId/assignment", a.handlers.Experiment.Assignment)

			// Mutations require the operator scope.
			operator := experiments.Group("")
			operator.Use(middleware.RequireOperator())
			{
				operator.POST("", a.handlers.Experiment.Create)
				operator.POST("/:experimentId/start", a.handlers.Experiment.Start)
				operator.POST("/:experimentId/pause", a.handlers.Experiment.Pause)
				operator.POST("/:experimentId/complete", a.handlers.Experiment.Complete)
			}
		}

		metrics := api.Group("/metrics")
		{
			metrics.GET("/performance", a.handlers.Metrics.Performance)
		}
	}

	a.router = router
}
