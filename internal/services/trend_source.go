package services

import (
	"context"
	"sync"
	"time"
)

// InteractionTrendSource derives topic trend velocities from the live
// interaction stream using two tumbling windows: velocity compares a
// topic's current-window activity against its previous window. Values are
// in [0,1]; a topic all of whose activity is recent scores near 1.
type InteractionTrendSource struct {
	mu          sync.Mutex
	window      time.Duration
	minActivity int64
	windowStart time.Time
	current     map[string]int64
	previous    map[string]int64
}

// NewInteractionTrendSource creates a trend source. minActivity is the
// per-window floor below which a topic is noise, not a trend.
func NewInteractionTrendSource(window time.Duration, minActivity int64) *InteractionTrendSource {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if minActivity <= 0 {
		minActivity = 10
	}
	return &InteractionTrendSource{
		window:      window,
		minActivity: minActivity,
		windowStart: time.Now(),
		current:     make(map[string]int64),
		previous:    make(map[string]int64),
	}
}

// Observe counts one interaction against its topics.
func (s *InteractionTrendSource) Observe(topics []string) {
	if len(topics) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateLocked(time.Now())
	for _, topic := range topics {
		s.current[topic]++
	}
}

// TrendVelocities implements TrendSource.
func (s *InteractionTrendSource) TrendVelocities(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateLocked(time.Now())

	velocities := make(map[string]float64)
	for topic, count := range s.current {
		if count < s.minActivity {
			continue
		}
		prev := s.previous[topic]
		velocities[topic] = float64(count) / float64(count+prev)
	}
	return velocities, nil
}

func (s *InteractionTrendSource) rotateLocked(now time.Time) {
	elapsed := now.Sub(s.windowStart)
	switch {
	case elapsed >= 2*s.window:
		s.previous = make(map[string]int64)
		s.current = make(map[string]int64)
		s.windowStart = now
	case elapsed >= s.window:
		s.previous = s.current
		s.current = make(map[string]int64)
		s.windowStart = s.windowStart.Add(s.window)
	}
}
