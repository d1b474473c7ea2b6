package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/config"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// messageWriter is the subset of *kafkago.Writer the alert writer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// AlertWriter publishes fired alerts to the alert topic.
// It implements alert.Publisher.
type AlertWriter struct {
	writer messageWriter
	logger *slog.Logger
}

// NewAlertWriter creates a Kafka producer for the configured alert topic.
func NewAlertWriter(cfg *config.Config, logger *slog.Logger) *AlertWriter {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaAlertTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchFlushInterval,
		AllowAutoTopicCreation: true,
	}
	logger.Info("kafka alert writer configured", "topic", cfg.KafkaAlertTopic, "brokers", cfg.KafkaBrokers)
	return &AlertWriter{writer: w, logger: logger}
}

// PublishAlert serializes ev and writes it keyed by location, so every alert
// for one location lands on the same partition in firing order.
func (w *AlertWriter) PublishAlert(ctx context.Context, ev domain.AlertEvent) error {
	msg, err := serializeToMessage(ev)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (w *AlertWriter) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an AlertEvent into a Kafka message.
func serializeToMessage(ev domain.AlertEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.Location),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "location", Value: []byte(ev.Location)},
			{Key: "fired_at", Value: []byte(ev.FiredAt.Format(time.RFC3339))},
		},
	}, nil
}
