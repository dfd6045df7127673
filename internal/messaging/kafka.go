package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/config"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

const (
	RefreshTopic  = "dataset-refresh"
	ConsumerGroup = "bookrec-engine"
)

// RefreshMessage asks every engine instance to reload its datasets.
// Retries happen locally in the consumer and are not carried on the wire.
type RefreshMessage struct {
	RequestID uuid.UUID `json:"request_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m RefreshMessage) Validate() error {
	if m.RequestID == uuid.Nil {
		return errors.New("missing request_id")
	}
	if m.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	return nil
}

// Reloader is implemented by services.Reloader.
type Reloader interface {
	Reload(ctx context.Context) (*models.RefreshReport, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RefreshBus publishes and consumes dataset refresh requests.
type RefreshBus struct {
	topic  string
	writer messageWriter
	reader messageReader
	logger *logrus.Logger

	maxRetries int
	baseDelay  time.Duration
}

func NewRefreshBus(cfg config.KafkaConfig, logger *logrus.Logger) *RefreshBus {
	topic := cfg.Topic
	if topic == "" {
		topic = RefreshTopic
	}
	group := cfg.GroupID
	if group == "" {
		group = ConsumerGroup
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       1e6, // 1MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	return newRefreshBus(topic, writer, reader, logger)
}

func newRefreshBus(topic string, writer messageWriter, reader messageReader, logger *logrus.Logger) *RefreshBus {
	return &RefreshBus{
		topic:      topic,
		writer:     writer,
		reader:     reader,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  time.Second,
	}
}

// PublishRefresh sends a refresh request and returns its id.
func (b *RefreshBus) PublishRefresh(ctx context.Context, reason string) (uuid.UUID, error) {
	message := RefreshMessage{
		RequestID: uuid.New(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(b.topic),
		Value: messageBytes,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(message.RequestID.String())},
			{Key: "timestamp", Value: []byte(message.Timestamp.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := b.writer.WriteMessages(ctx, kafkaMessage); err != nil {
		b.logger.WithError(err).WithField("request_id", message.RequestID).Error("Failed to publish refresh request")
		return uuid.Nil, fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"request_id": message.RequestID,
		"reason":     reason,
		"topic":      b.topic,
	}).Info("Refresh request published")

	return message.RequestID, nil
}

// Listen consumes refresh requests until ctx is done, reloading the datasets
// for each one. Requests older than the last successful reload are skipped,
// so a burst of requests causes one reload.
func (b *RefreshBus) Listen(ctx context.Context, reloader Reloader) error {
	var lastReload time.Time
	for {
		message, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.WithError(err).Error("Failed to read message from Kafka")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.baseDelay):
			}
			continue
		}

		var req RefreshMessage
		if err := json.Unmarshal(message.Value, &req); err != nil {
			b.logger.WithError(err).Error("Failed to unmarshal refresh request")
			continue
		}
		if err := req.Validate(); err != nil {
			b.logger.WithError(err).Warn("Ignoring invalid refresh request")
			continue
		}
		if !req.Timestamp.After(lastReload) {
			b.logger.WithField("request_id", req.RequestID).Debug("Refresh request already satisfied")
			continue
		}

		started := time.Now().UTC()
		if err := b.processWithRetry(ctx, req, reloader); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.WithError(err).WithField("request_id", req.RequestID).Error("Refresh request failed")
			continue
		}
		lastReload = started
	}
}

func (b *RefreshBus) processWithRetry(ctx context.Context, req RefreshMessage, reloader Reloader) error {
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			delay := b.baseDelay * time.Duration(1<<uint(attempt-1))
			b.logger.WithFields(logrus.Fields{
				"request_id": req.RequestID,
				"attempt":    attempt,
				"delay":      delay,
			}).Info("Retrying refresh")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		report, err := reloader.Reload(ctx)
		if err != nil {
			// A dataset that fails integrity checks will fail again.
			if errors.Is(err, models.ErrDataIntegrity) || ctx.Err() != nil {
				return err
			}
			b.logger.WithError(err).WithFields(logrus.Fields{
				"request_id": req.RequestID,
				"attempt":    attempt,
			}).Warn("Refresh failed")

			if attempt == b.maxRetries {
				return fmt.Errorf("max retries exceeded: %w", err)
			}
			continue
		}

		b.logger.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"generation": report.Generation,
			"attempt":    attempt,
		}).Info("Refresh request processed")
		return nil
	}

	return fmt.Errorf("unexpected retry loop exit")
}

func (b *RefreshBus) Close() error {
	var errs []error

	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if err := b.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}

	return errors.Join(errs...)
}
