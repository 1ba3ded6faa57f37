package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrendSourceVelocity(t *testing.T) {
	source := NewInteractionTrendSource(15*time.Minute, 10)

	for i := 0; i < 12; i++ {
		source.Observe([]string{"golang"})
	}
	for i := 0; i < 5; i++ {
		source.Observe([]string{"knitting"})
	}

	velocities, err := source.TrendVelocities(context.Background())
	require.NoError(t, err)

	// All activity landed in the current window.
	assert.InDelta(t, 1.0, velocities["golang"], 1e-9)

	// Below the activity floor a topic is noise, not a trend.
	_, ok := velocities["knitting"]
	assert.False(t, ok)
}

func TestTrendSourceWindowRotation(t *testing.T) {
	source := NewInteractionTrendSource(15*time.Minute, 10)

	for i := 0; i < 30; i++ {
		source.Observe([]string{"golang"})
	}

	// Force one window boundary: current counts become the previous window.
	source.mu.Lock()
	source.windowStart = time.Now().Add(-16 * time.Minute)
	source.mu.Unlock()

	for i := 0; i < 10; i++ {
		source.Observe([]string{"golang"})
	}

	velocities, err := source.TrendVelocities(context.Background())
	require.NoError(t, err)

	// 10 current against 30 previous: decelerating topic.
	assert.InDelta(t, 0.25, velocities["golang"], 1e-9)
}

func TestTrendSourceStaleWindowsReset(t *testing.T) {
	source := NewInteractionTrendSource(15*time.Minute, 10)

	for i := 0; i < 30; i++ {
		source.Observe([]string{"golang"})
	}

	// More than two windows of silence wipes both windows.
	source.mu.Lock()
	source.windowStart = time.Now().Add(-40 * time.Minute)
	source.mu.Unlock()

	velocities, err := source.TrendVelocities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, velocities)
}

func TestTrendSourceIgnoresEmptyTopicLists(t *testing.T) {
	source := NewInteractionTrendSource(15*time.Minute, 1)

	source.Observe(nil)
	source.Observe([]string{})

	velocities, err := source.TrendVelocities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, velocities)
}

func TestTrendSourceDefaults(t *testing.T) {
	source := NewInteractionTrendSource(0, 0)
	assert.Equal(t, 15*time.Minute, source.window)
	assert.Equal(t, int64(10), source.minActivity)
}
