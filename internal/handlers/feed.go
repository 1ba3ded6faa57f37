package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/services"
	"github.com/velora/feedrank/internal/validation"
	"github.com/velora/feedrank/pkg/models"
)

type FeedHandler struct {
	ranking     *services.RankingEngine
	optimizer   *services.SessionOptimizer
	metrics     *services.MetricsCollector
	trendSource *services.InteractionTrendSource
	validator   *validation.SchemaValidator
	logger      *logrus.Logger
}

func NewFeedHandler(
	ranking *services.RankingEngine,
	optimizer *services.SessionOptimizer,
	metrics *services.MetricsCollector,
	trendSource *services.InteractionTrendSource,
	validator *validation.SchemaValidator,
	logger *logrus.Logger,
) *FeedHandler {
	return &FeedHandler{
		ranking:     ranking,
		optimizer:   optimizer,
		metrics:     metrics,
		trendSource: trendSource,
		validator:   validator,
		logger:      logger,
	}
}

// Rank handles POST /api/v1/feed/rank.
func (h *FeedHandler) Rank(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST_BODY",
				"message": "Failed to read request body",
			},
		})
		return
	}

	if result := h.validator.ValidateRankRequest(body); !result.Valid {
		c.JSON(http.StatusBadRequest, result.ToAPIError())
		return
	}

	var req models.RankRequest
	if err := bindJSON(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST_BODY",
				"message": err.Error(),
			},
		})
		return
	}

	if req.Options.Limit == 0 {
		req.Options.Limit = 50
	}

	start := time.Now()
	feed, err := h.ranking.Rank(c.Request.Context(), req.ViewerID, req.Candidates, req.Options)
	if err != nil {
		if errors.Is(err, services.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    "INVALID_RANKING_OPTIONS",
					"message": err.Error(),
				},
			})
			return
		}
		h.logger.WithError(err).WithField("viewer_id", req.ViewerID).Error("Failed to rank feed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "RANKING_FAILED",
				"message": "Failed to rank feed",
			},
		})
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRank(feed, req.Options.SessionID, time.Since(start))
	}

	c.JSON(http.StatusOK, feed)
}

// Feedback handles POST /api/v1/feedback. The event is applied to the
// live session synchronously; the Kafka interaction stream carries only
// events from external producers, so nothing is applied twice.
func (h *FeedHandler) Feedback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST_BODY",
				"message": "Failed to read request body",
			},
		})
		return
	}

	if result := h.validator.ValidateInteractionEvent(body); !result.Valid {
		c.JSON(http.StatusBadRequest, result.ToAPIError())
		return
	}

	var event models.InteractionEvent
	if err := bindJSON(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST_BODY",
				"message": err.Error(),
			},
		})
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	weights, err := h.optimizer.RecordFeedback(c.Request.Context(), event.SessionID, event)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    "INVALID_FEEDBACK",
					"message": err.Error(),
				},
			})
		case errors.Is(err, services.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{
					"code":    "SESSION_NOT_FOUND",
					"message": err.Error(),
				},
			})
		default:
			h.logger.WithError(err).WithField("session_id", event.SessionID).Error("Failed to record feedback")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{
					"code":    "FEEDBACK_FAILED",
					"message": "Failed to record feedback",
				},
			})
		}
		return
	}

	if h.metrics != nil {
		h.metrics.RecordFeedback(event)
	}
	if h.trendSource != nil {
		h.trendSource.Observe(event.Topics)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":      event.SessionID,
		"updated_weights": weights,
	})
}
