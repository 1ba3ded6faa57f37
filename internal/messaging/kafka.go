package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/config"
	"github.com/velora/feedrank/pkg/models"
)

// InteractionMessage is the wire envelope for one interaction event on
// the interactions topic. Messages are keyed by session id so all events
// of a session land on one partition and arrive in order.
type InteractionMessage struct {
	Event      models.InteractionEvent `json:"event"`
	Timestamp  time.Time               `json:"timestamp"`
	RetryCount int                     `json:"retry_count"`
}

// MessageBus wraps the Kafka producer/consumer pair for the interaction
// stream plus the telemetry producer for terminal session records.
type MessageBus struct {
	interactionWriter *kafka.Writer
	interactionReader *kafka.Reader
	telemetryWriter   *kafka.Writer
	dlqWriter         *kafka.Writer
	logger            *logrus.Logger
}

func NewMessageBus(cfg *config.Config, logger *logrus.Logger) (*MessageBus, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	interactionWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topics.Interactions,
		Balancer:     &kafka.Hash{}, // Key by session id for per-session ordering
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	interactionReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topics.Interactions,
		GroupID:        cfg.Kafka.ConsumerGroup,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	telemetryWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topics.Telemetry,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
	}

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topics.Interactions + "-dlq",
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &MessageBus{
		interactionWriter: interactionWriter,
		interactionReader: interactionReader,
		telemetryWriter:   telemetryWriter,
		dlqWriter:         dlqWriter,
		logger:            logger,
	}, nil
}

// PublishInteraction puts one interaction event on the stream, keyed by
// session id.
func (mb *MessageBus) PublishInteraction(event models.InteractionEvent) error {
	message := InteractionMessage{
		Event:     event,
		Timestamp: time.Now(),
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(event.SessionID.String()),
		Value: messageBytes,
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte(event.SessionID.String())},
			{Key: "action", Value: []byte(event.Action)},
			{Key: "timestamp", Value: []byte(message.Timestamp.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mb.interactionWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		mb.logger.WithError(err).WithField("session_id", event.SessionID).Error("Failed to publish interaction to Kafka")
		return fmt.Errorf("failed to write interaction to Kafka: %w", err)
	}

	return nil
}

// PublishSessionEnded implements services.TelemetryPublisher.
func (mb *MessageBus) PublishSessionEnded(record *models.TerminalSessionRecord) error {
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = mb.telemetryWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.SessionID.String()),
		Value: recordBytes,
		Headers: []kafka.Header{
			{Key: "viewer_id", Value: []byte(record.ViewerID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write session record to Kafka: %w", err)
	}
	return nil
}

// ConsumeInteractions reads the interaction stream and feeds each event
// to the handler, retrying with backoff and dead-lettering poisoned
// messages.
func (mb *MessageBus) ConsumeInteractions(ctx context.Context, handler func(InteractionMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := mb.interactionReader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				mb.logger.WithError(err).Error("Failed to read message from Kafka")
				continue
			}

			var im InteractionMessage
			if err := json.Unmarshal(message.Value, &im); err != nil {
				mb.logger.WithError(err).Error("Failed to unmarshal interaction message")
				continue
			}

			if err := mb.processWithRetry(ctx, im, handler); err != nil {
				mb.logger.WithError(err).WithField("session_id", im.Event.SessionID).Error("Failed to process interaction after retries")
				if dlqErr := mb.sendToDLQ(ctx, im, err); dlqErr != nil {
					mb.logger.WithError(dlqErr).Error("Failed to send interaction to DLQ")
				}
			}
		}
	}
}

func (mb *MessageBus) processWithRetry(ctx context.Context, message InteractionMessage, handler func(InteractionMessage) error) error {
	maxRetries := 3
	baseDelay := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		message.RetryCount = attempt
		if err := handler(message); err != nil {
			mb.logger.WithError(err).WithFields(logrus.Fields{
				"session_id": message.Event.SessionID,
				"attempt":    attempt,
			}).Warn("Interaction processing failed")

			if attempt == maxRetries {
				return fmt.Errorf("max retries exceeded: %w", err)
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("unexpected retry loop exit")
}

func (mb *MessageBus) sendToDLQ(ctx context.Context, message InteractionMessage, originalError error) error {
	dlqMessage := map[string]interface{}{
		"original_message": message,
		"error":            originalError.Error(),
		"dlq_timestamp":    time.Now(),
	}

	dlqBytes, err := json.Marshal(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	err = mb.dlqWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.Event.SessionID.String()),
		Value: dlqBytes,
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(originalError.Error())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"session_id": message.Event.SessionID,
		"error":      originalError.Error(),
	}).Warn("Interaction sent to DLQ")

	return nil
}

func (mb *MessageBus) Close() error {
	var errors []error

	if err := mb.interactionWriter.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close interaction producer: %w", err))
	}
	if err := mb.interactionReader.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close interaction consumer: %w", err))
	}
	if err := mb.telemetryWriter.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close telemetry producer: %w", err))
	}
	if err := mb.dlqWriter.Close(); err != nil {
		errors = append(errors, fmt.Errorf("failed to close DLQ writer: %w", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("errors closing message bus: %v", errors)
	}
	return nil
}

// GetMetrics returns consumer statistics for monitoring.
func (mb *MessageBus) GetMetrics() map[string]interface{} {
	stats := mb.interactionReader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"bytes_read":      stats.Bytes,
		"rebalances":      stats.Rebalances,
		"timeouts":        stats.Timeouts,
		"errors":          stats.Errors,
	}
}
