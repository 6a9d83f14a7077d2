// Package publisher holds event sinks that need no broker.
package publisher

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// Log writes every event as a structured log line. It is the default sink for
// single-node and development runs.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "events")}
}

// PublishCreated logs the creation event.
func (l *Log) PublishCreated(ctx context.Context, e domain.CreatedEvent) error {
	l.logger.InfoContext(ctx, domain.EventOutageCreated,
		"outage_id", e.OutageID,
		"service_type", e.ServiceType,
		"severity", e.Severity,
		"lat", e.Lat,
		"lng", e.Lng,
		"reported_at", e.ReportedAt,
	)
	return nil
}

// PublishTransition logs the lifecycle event.
func (l *Log) PublishTransition(ctx context.Context, e domain.LifecycleEvent) error {
	l.logger.InfoContext(ctx, domain.EventOutageStatusChanged,
		"outage_id", e.OutageID,
		"from", e.FromStatus,
		"to", e.ToStatus,
		"reason", e.Reason,
		"at", e.Timestamp,
	)
	return nil
}
