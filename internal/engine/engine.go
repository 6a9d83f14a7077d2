// Package engine implements outage aggregation, verification, lifecycle management, and
// read-side queries on top of a Store and a geo index.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

// Publisher hands creation and lifecycle events to the notification collaborator.
type Publisher interface {
	PublishCreated(ctx context.Context, e domain.CreatedEvent) error
	PublishTransition(ctx context.Context, e domain.LifecycleEvent) error
}

// Deps are the collaborators shared by every engine component.
type Deps struct {
	Store     Store
	Index     *geo.CachedIndex
	Publisher Publisher
	Geocoder  domain.Geocoder // optional
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Policy    Policy
}

// Engine wires the write and read components together.
type Engine struct {
	Aggregator *Aggregator
	Verifier   *Verifier
	Lifecycle  *Lifecycle
	Query      *QueryService
	Providers  *Providers
	Recipients *Recipients
}

// New builds an Engine. The query result cache keeps cacheSize entries for cacheTTL.
func New(d Deps, cacheSize int, cacheTTL time.Duration) (*Engine, error) {
	if err := d.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine policy: %w", err)
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	c := &core{Deps: d, newID: uuid.NewString}
	c.recipients = &Recipients{core: c}

	lifecycle := &Lifecycle{core: c}
	verifier := &Verifier{core: c, lifecycle: lifecycle}
	return &Engine{
		Aggregator: &Aggregator{core: c, verifier: verifier},
		Verifier:   verifier,
		Lifecycle:  lifecycle,
		Query:      newQueryService(c, cacheSize, cacheTTL),
		Providers:  &Providers{core: c},
		Recipients: c.recipients,
	}, nil
}

// CheckReadiness reports ready once the geo index is built and the store answers.
func (e *Engine) CheckReadiness(ctx context.Context) error {
	c := e.Lifecycle.core
	if err := c.Index.CheckReadiness(ctx); err != nil {
		return err
	}
	if err := c.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// core carries the shared dependencies and helpers.
type core struct {
	Deps
	newID      func() string
	recipients *Recipients
}

// lockedTimeout bounds work done after region locks or a commit phase begin; from
// that point the caller's cancellation no longer applies.
const lockedTimeout = 15 * time.Second

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), lockedTimeout)
}

func (c *core) indexInsert(ctx context.Context, o domain.Outage) {
	if err := c.Index.Insert(ctx, o.ID, o.Location); err != nil {
		c.Logger.Warn("geo index insert failed", "outage_id", o.ID, "error", err)
	}
	c.Metrics.IndexedPoints.Set(float64(c.Index.Len()))
}

func (c *core) indexRemove(ctx context.Context, id string) {
	if err := c.Index.Remove(ctx, id); err != nil {
		c.Logger.Warn("geo index remove failed", "outage_id", id, "error", err)
	}
	c.Metrics.IndexedPoints.Set(float64(c.Index.Len()))
}

// publishCreated announces o to everyone who follows it except its reporter.
func (c *core) publishCreated(ctx context.Context, o domain.Outage) {
	e := domain.NewCreatedEvent(o)
	e.Recipients = c.recipients.lookup(ctx, o, o.ReportedBy)
	if err := c.Publisher.PublishCreated(ctx, e); err != nil {
		c.Metrics.EventPublishErrs.WithLabelValues(domain.EventOutageCreated).Inc()
		c.Logger.Error("publish created event failed", "outage_id", o.ID, "error", err)
	}
}

func (c *core) publishTransition(ctx context.Context, o domain.Outage, e domain.LifecycleEvent) {
	e.Recipients = c.recipients.lookup(ctx, o, "")
	if err := c.Publisher.PublishTransition(ctx, e); err != nil {
		c.Metrics.EventPublishErrs.WithLabelValues(domain.EventOutageStatusChanged).Inc()
		c.Logger.Error("publish lifecycle event failed", "outage_id", e.OutageID, "error", err)
	}
}
