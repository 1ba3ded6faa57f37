package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/pkg/models"
)

// FeedMetricEvent is one business metric event emitted by the ranking
// path: an impression batch or a feedback action.
type FeedMetricEvent struct {
	ViewerID  string    `json:"viewer_id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"` // 'impression', 'feedback'
	Action    string    `json:"action,omitempty"`
	ItemCount int       `json:"item_count"`
	VariantID string    `json:"variant_id,omitempty"`
	CacheHit  bool      `json:"cache_hit"`
	Timestamp time.Time `json:"timestamp"`
}

// PerformanceMetrics is the aggregated answer to "how is ranking doing
// over this timeframe".
type PerformanceMetrics struct {
	Timeframe         time.Duration  `json:"timeframe"`
	TotalFeeds        int            `json:"total_feeds"`
	TotalFeedback     int            `json:"total_feedback"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	AvgSessionActions float64        `json:"avg_session_actions"`
	AvgSatisfaction   float64        `json:"avg_satisfaction"`
	EndedSessions     int            `json:"ended_sessions"`
	ActionBreakdown   map[string]int `json:"action_breakdown"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// MetricsCollector exposes Prometheus metrics for the ranking pipeline
// and persists business metric events in batches.
type MetricsCollector struct {
	db     ProfileDB
	logger *logrus.Logger

	buffer       chan FeedMetricEvent
	batchSize    int
	flushTimeout time.Duration

	rankRequests   prometheus.Counter
	rankLatency    prometheus.Histogram
	cacheOutcomes  *prometheus.CounterVec
	feedbackTotal  *prometheus.CounterVec
	activeSessions prometheus.GaugeFunc
	weightShifts   prometheus.Counter
	degradedFeeds  prometheus.Counter
}

// NewMetricsCollector creates a metrics collector. optimizer may be nil
// in tests; the active-sessions gauge then reports zero.
func NewMetricsCollector(db ProfileDB, optimizer *SessionOptimizer, logger *logrus.Logger) *MetricsCollector {
	mc := &MetricsCollector{
		db:           db,
		logger:       logger,
		buffer:       make(chan FeedMetricEvent, 10000),
		batchSize:    100,
		flushTimeout: 5 * time.Second,

		rankRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "feedrank_rank_requests_total",
			Help: "Total number of feed ranking requests",
		}),

		rankLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrank_rank_latency_seconds",
			Help:    "Feed ranking latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		cacheOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrank_cache_outcomes_total",
			Help: "Feed cache lookups by outcome",
		}, []string{"outcome"}),

		feedbackTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrank_feedback_events_total",
			Help: "Interaction feedback events by action",
		}, []string{"action"}),

		weightShifts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "feedrank_weight_shifts_total",
			Help: "Session weight vector adjustments applied",
		}),

		degradedFeeds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "feedrank_degraded_feeds_total",
			Help: "Feeds served with one or more subsystems degraded",
		}),
	}

	mc.activeSessions = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "feedrank_active_sessions",
		Help: "Live sessions tracked by the optimizer",
	}, func() float64 {
		if optimizer == nil {
			return 0
		}
		return float64(optimizer.ActiveSessions())
	})

	go mc.processBatch()

	return mc
}

// RecordEvent buffers a business metric event. Never blocks; a full
// buffer drops the event.
func (mc *MetricsCollector) RecordEvent(event FeedMetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case mc.buffer <- event:
	default:
		mc.logger.Warn("Metrics buffer full, dropping event")
	}
}

// RecordRank records one ranking request against Prometheus and the
// durable event stream.
func (mc *MetricsCollector) RecordRank(feed *models.RankedFeed, sessionID string, latency time.Duration) {
	mc.rankRequests.Inc()
	mc.rankLatency.Observe(latency.Seconds())

	outcome := "miss"
	if feed.Metadata.CacheHit {
		outcome = "hit"
	}
	mc.cacheOutcomes.WithLabelValues(outcome).Inc()

	if feed.Metadata.Degraded {
		mc.degradedFeeds.Inc()
	}

	mc.RecordEvent(FeedMetricEvent{
		ViewerID:  feed.ViewerID.String(),
		SessionID: sessionID,
		EventType: "impression",
		ItemCount: len(feed.Results),
		VariantID: feed.Metadata.VariantID,
		CacheHit:  feed.Metadata.CacheHit,
	})
}

// RecordFeedback records one feedback action.
func (mc *MetricsCollector) RecordFeedback(event models.InteractionEvent) {
	mc.feedbackTotal.WithLabelValues(string(event.Action)).Inc()

	mc.RecordEvent(FeedMetricEvent{
		ViewerID:  event.ViewerID.String(),
		SessionID: event.SessionID.String(),
		EventType: "feedback",
		Action:    string(event.Action),
		ItemCount: 1,
	})
}

// RecordWeightShift counts one applied weight adjustment.
func (mc *MetricsCollector) RecordWeightShift() {
	mc.weightShifts.Inc()
}

func (mc *MetricsCollector) processBatch() {
	ticker := time.NewTicker(mc.flushTimeout)
	defer ticker.Stop()

	events := make([]FeedMetricEvent, 0, mc.batchSize)

	for {
		select {
		case event, ok := <-mc.buffer:
			if !ok {
				mc.insertBatch(events)
				return
			}
			events = append(events, event)
			if len(events) >= mc.batchSize {
				mc.insertBatch(events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				mc.insertBatch(events)
				events = events[:0]
			}
		}
	}
}

func (mc *MetricsCollector) insertBatch(events []FeedMetricEvent) {
	if len(events) == 0 || mc.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, event := range events {
		_, err := mc.db.Exec(ctx, `
			INSERT INTO feed_metrics (viewer_id, session_id, event_type, action, item_count, variant_id, cache_hit, timestamp)
			VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8)`,
			event.ViewerID, event.SessionID, event.EventType, event.Action,
			event.ItemCount, event.VariantID, event.CacheHit, event.Timestamp)
		if err != nil {
			mc.logger.WithError(err).Warn("Failed to insert metric event")
		}
	}
}

// GetPerformanceMetrics aggregates ranking performance over the trailing
// timeframe from the durable event stream and terminal session records.
func (mc *MetricsCollector) GetPerformanceMetrics(ctx context.Context, timeframe time.Duration) (*PerformanceMetrics, error) {
	if mc.db == nil {
		return nil, fmt.Errorf("metrics store unavailable")
	}
	if timeframe <= 0 {
		return nil, invalidInput("timeframe must be positive")
	}

	since := time.Now().Add(-timeframe)

	metrics := &PerformanceMetrics{
		Timeframe:       timeframe,
		ActionBreakdown: make(map[string]int),
		GeneratedAt:     time.Now(),
	}

	var cacheHits int
	err := mc.db.QueryRow(ctx, `
		SELECT
			COUNT(CASE WHEN event_type = 'impression' THEN 1 END),
			COUNT(CASE WHEN event_type = 'feedback' THEN 1 END),
			COUNT(CASE WHEN event_type = 'impression' AND cache_hit THEN 1 END)
		FROM feed_metrics
		WHERE timestamp >= $1`, since).
		Scan(&metrics.TotalFeeds, &metrics.TotalFeedback, &cacheHits)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed metrics: %w", err)
	}

	if metrics.TotalFeeds > 0 {
		metrics.CacheHitRate = float64(cacheHits) / float64(metrics.TotalFeeds)
	}

	rows, err := mc.db.Query(ctx, `
		SELECT action, COUNT(*)
		FROM feed_metrics
		WHERE timestamp >= $1 AND event_type = 'feedback'
		GROUP BY action`, since)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var action string
			var count int
			if err := rows.Scan(&action, &count); err != nil {
				continue
			}
			metrics.ActionBreakdown[action] = count
		}
	}

	var avgActions, avgSatisfaction pgtype.Float8
	err = mc.db.QueryRow(ctx, `
		SELECT COUNT(*), AVG(action_count), AVG((metrics->>'satisfaction')::float)
		FROM session_records
		WHERE ended_at >= $1`, since).
		Scan(&metrics.EndedSessions, &avgActions, &avgSatisfaction)
	if err == nil {
		if avgActions.Valid {
			metrics.AvgSessionActions = avgActions.Float64
		}
		if avgSatisfaction.Valid {
			metrics.AvgSatisfaction = avgSatisfaction.Float64
		}
	}

	return metrics, nil
}

// Close shuts down the batch writer.
func (mc *MetricsCollector) Close() error {
	close(mc.buffer)
	return nil
}
