package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestInteractionMessageSerialization(t *testing.T) {
	message := InteractionMessage{
		Event: models.InteractionEvent{
			ViewerID:    uuid.New(),
			ItemID:      uuid.New(),
			SessionID:   uuid.New(),
			Action:      models.ActionLike,
			TimeSpentMs: 4500,
			Position:    3,
			Topics:      []string{"golang"},
			Timestamp:   time.Now().UTC(),
		},
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(message)
	require.NoError(t, err)

	var decoded InteractionMessage
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, message.Event.SessionID, decoded.Event.SessionID)
	assert.Equal(t, message.Event.Action, decoded.Event.Action)
	assert.Equal(t, message.Event.TimeSpentMs, decoded.Event.TimeSpentMs)
	assert.Equal(t, message.Event.Topics, decoded.Event.Topics)
	assert.Equal(t, message.RetryCount, decoded.RetryCount)
}

func TestNewMessageBusRequiresBrokers(t *testing.T) {
	cfg := config.Default()
	cfg.Kafka.Brokers = nil

	_, err := NewMessageBus(cfg, testLogger())
	assert.Error(t, err)
}

func TestNewMessageBusTopicWiring(t *testing.T) {
	cfg := config.Default()
	cfg.Kafka.Brokers = []string{"localhost:9092"}

	mb, err := NewMessageBus(cfg, testLogger())
	require.NoError(t, err)
	defer mb.Close()

	assert.Equal(t, "interaction-events", mb.interactionWriter.Topic)
	assert.Equal(t, "ranking-telemetry", mb.telemetryWriter.Topic)
	assert.Equal(t, "interaction-events-dlq", mb.dlqWriter.Topic)
	assert.Equal(t, "interaction-events", mb.interactionReader.Config().Topic)
	assert.Equal(t, "session-optimizers", mb.interactionReader.Config().GroupID)
}

func TestProcessWithRetrySucceedsFirstAttempt(t *testing.T) {
	mb := &MessageBus{logger: testLogger()}

	calls := 0
	err := mb.processWithRetry(context.Background(), InteractionMessage{}, func(m InteractionMessage) error {
		calls++
		assert.Equal(t, 0, m.RetryCount)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestProcessWithRetryStopsOnContextCancel(t *testing.T) {
	mb := &MessageBus{logger: testLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := mb.processWithRetry(ctx, InteractionMessage{}, func(m InteractionMessage) error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
