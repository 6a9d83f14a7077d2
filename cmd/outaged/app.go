package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	kafkaadapter "github.com/couchcryptid/outage-engine/internal/adapter/kafka"
	"github.com/couchcryptid/outage-engine/internal/adapter/mapbox"
	"github.com/couchcryptid/outage-engine/internal/adapter/memory"
	"github.com/couchcryptid/outage-engine/internal/adapter/natspub"
	"github.com/couchcryptid/outage-engine/internal/adapter/postgres"
	"github.com/couchcryptid/outage-engine/internal/adapter/publisher"
	"github.com/couchcryptid/outage-engine/internal/config"
	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/geo"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

// app holds the wired engine and everything that must be closed on shutdown.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	engine  *engine.Engine
	index   *geo.CachedIndex
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close error", "error", err)
		}
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return nil, nil, err
	}
	return cfg, sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", "outage-engine"), nil
}

// openPool connects and migrates the database.
func openPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pool, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildApp wires the store, index, event sink, and geocoder into an engine.
// Without DATABASE_URL (and when allowed) it falls back to the in-memory store.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, allowMemory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics}

	var store engine.Store
	if cfg.DatabaseURL == "" && allowMemory {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = memory.New()
	} else {
		pool, err := openPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		store = postgres.New(pool)
	}

	pub, err := a.eventSink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.index = geo.NewCachedIndex(store, logger)
	a.engine, err = engine.New(engine.Deps{
		Store:     store,
		Index:     a.index,
		Publisher: pub,
		Geocoder:  a.geocoder(),
		Clock:     clockwork.NewRealClock(),
		Logger:    logger,
		Metrics:   metrics,
		Policy:    cfg.Policy,
	}, cfg.QueryCacheSize, cfg.QueryCacheTTL)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) eventSink(ctx context.Context) (engine.Publisher, error) {
	switch a.cfg.EventSink {
	case config.SinkKafka:
		p := kafkaadapter.NewPublisher(a.cfg, a.logger)
		a.closers = append(a.closers, p.Close)
		a.logger.Info("publishing events to kafka", "topic", a.cfg.KafkaEventsTopic)
		return p, nil
	case config.SinkNATS:
		p, nc, err := natspub.Connect(ctx, a.cfg.NATSURL, a.cfg.NATSStream, a.logger)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		return p, nil
	default:
		return publisher.NewLog(a.logger), nil
	}
}

// geocoder is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN.
func (a *app) geocoder() domain.Geocoder {
	if !a.cfg.MapboxEnabled {
		a.logger.Info("mapbox geocoding disabled")
		return nil
	}
	client := mapbox.NewClient(a.cfg.MapboxToken, a.cfg.MapboxTimeout, a.metrics, a.logger)
	a.metrics.GeocodeEnabled.Set(1)
	cached, err := mapbox.NewCachedGeocoder(client, a.cfg.MapboxCacheSize, a.metrics)
	if err != nil {
		a.logger.Warn("geocode cache disabled", "error", err)
		return client
	}
	a.logger.Info("mapbox geocoding enabled", "cache_size", a.cfg.MapboxCacheSize, "timeout", a.cfg.MapboxTimeout)
	return cached
}
