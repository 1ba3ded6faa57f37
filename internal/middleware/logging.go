package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger emits one structured line per request. The authenticated viewer
// is included when the auth middleware resolved one, so feed requests can
// be correlated with session telemetry.
func Logger(logger *logrus.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		fields := logrus.Fields{
			"status_code": param.StatusCode,
			"latency_ms":  param.Latency.Milliseconds(),
			"client_ip":   param.ClientIP,
			"method":      param.Method,
			"path":        param.Path,
			"timestamp":   param.TimeStamp.Format(time.RFC3339),
		}
		if viewerID, ok := param.Keys["viewer_id"]; ok {
			fields["viewer_id"] = viewerID
		}
		if param.ErrorMessage != "" {
			fields["error"] = param.ErrorMessage
		}
		logger.WithFields(fields).Info("Request completed")

		return ""
	})
}

// Recovery converts panics into 500 responses without taking the ranking
// service down.
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		fields := logrus.Fields{
			"panic":     recovered,
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"client_ip": c.ClientIP(),
		}
		if viewerID, ok := c.Get("viewer_id"); ok {
			fields["viewer_id"] = viewerID
		}
		logger.WithFields(fields).Error("Panic recovered")

		c.JSON(500, gin.H{
			"error": gin.H{
				"code":    "INTERNAL_SERVER_ERROR",
				"message": "Internal server error",
			},
		})
	})
}
