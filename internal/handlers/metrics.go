package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/services"
)

type MetricsHandler struct {
	metrics *services.MetricsCollector
	logger  *logrus.Logger
}

func NewMetricsHandler(metrics *services.MetricsCollector, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		metrics: metrics,
		logger:  logger,
	}
}

// Performance handles GET /api/v1/metrics/performance?timeframe=1h.
func (h *MetricsHandler) Performance(c *gin.Context) {
	timeframe := time.Hour
	if tf := c.Query("timeframe"); tf != "" {
		parsed, err := time.ParseDuration(tf)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    "INVALID_TIMEFRAME",
					"message": "timeframe must be a positive duration like '1h' or '30m'",
				},
			})
			return
		}
		timeframe = parsed
	}

	metrics, err := h.metrics.GetPerformanceMetrics(c.Request.Context(), timeframe)
	if err != nil {
		h.logger.WithError(err).Error("Failed to aggregate performance metrics")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "METRICS_UNAVAILABLE",
				"message": "Failed to aggregate performance metrics",
			},
		})
		return
	}

	c.JSON(http.StatusOK, metrics)
}
