// Package natspub publishes outage events to a NATS JetStream stream.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// subjectPrefix roots every subject the stream captures.
const subjectPrefix = "outage"

type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher implements engine.Publisher on JetStream. Message ids make redelivered
// publishes of the same event idempotent within the stream's duplicate window.
type Publisher struct {
	js     msgPublisher
	stream string
	logger *slog.Logger
}

// NewPublisher wraps an existing JetStream handle.
func NewPublisher(js msgPublisher, stream string, logger *slog.Logger) *Publisher {
	return &Publisher{js: js, stream: stream, logger: logger}
}

// Connect dials NATS, ensures the stream exists, and returns a publisher plus the
// connection for the caller to drain on shutdown.
func Connect(ctx context.Context, url, stream string, logger *slog.Logger) (*Publisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("outage-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       stream,
			Subjects:   []string{subjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
		})
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("create or get stream %s: %w", stream, err)
		}
	}

	logger.Info("nats event sink ready", "url", nc.ConnectedUrl(), "stream", stream)
	return NewPublisher(js, stream, logger), nc, nil
}

// PublishCreated publishes to outage.created.<service_type>.
func (p *Publisher) PublishCreated(ctx context.Context, e domain.CreatedEvent) error {
	subject := fmt.Sprintf("%s.created.%s", subjectPrefix, e.ServiceType)
	return p.publish(ctx, subject, domain.EventOutageCreated, e.OutageID+":created", e)
}

// PublishTransition publishes to outage.status_changed.<to_status>.
func (p *Publisher) PublishTransition(ctx context.Context, e domain.LifecycleEvent) error {
	subject := fmt.Sprintf("%s.status_changed.%s", subjectPrefix, e.ToStatus)
	msgID := fmt.Sprintf("%s:%s:%s", e.OutageID, e.FromStatus, e.ToStatus)
	return p.publish(ctx, subject, domain.EventOutageStatusChanged, msgID, e)
}

func (p *Publisher) publish(ctx context.Context, subject, eventType, msgID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("event_type", eventType)

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID), jetstream.WithExpectStream(p.stream))
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	p.logger.Debug("event published", "subject", subject, "seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}
