package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/outage-engine/internal/config"
	"github.com/couchcryptid/outage-engine/internal/domain"
)

// Publisher produces outage events to the events topic, keyed by outage id so
// every event of one outage lands on the same partition in order.
// It implements engine.Publisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured events topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaEventsTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// PublishCreated announces a new outage.
func (p *Publisher) PublishCreated(ctx context.Context, e domain.CreatedEvent) error {
	msg, err := serializeToMessage(domain.EventOutageCreated, e.OutageID, e.ReportedAt, e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// PublishTransition announces a status change.
func (p *Publisher) PublishTransition(ctx context.Context, e domain.LifecycleEvent) error {
	msg, err := serializeToMessage(domain.EventOutageStatusChanged, e.OutageID, e.Timestamp, e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an event into a Kafka message with type headers.
func serializeToMessage(eventType, outageID string, at time.Time, event any) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s event: %w", eventType, err)
	}
	return kafkago.Message{
		Key:   []byte(outageID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "occurred_at", Value: []byte(at.UTC().Format(time.RFC3339))},
		},
	}, nil
}
