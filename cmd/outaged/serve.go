package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/outage-engine/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/outage-engine/internal/adapter/kafka"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/ingest"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, staleness sweeper, and optional report ingestion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// readiness is ready when every checker is.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()

	a, err := buildApp(ctx, cfg, logger, metrics, true)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer a.Close()

	ready := readiness{a.engine}
	var wg sync.WaitGroup

	if cfg.IndexSyncInterval > 0 {
		a.index.SetMaxLag(cfg.IndexMaxLag)
	}
	sweeper := engine.NewSweeper(a.engine, cfg.SweepInterval, cfg.ReindexInterval, cfg.IndexSyncInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("sweeper error", "error", err)
		}
	}()

	if cfg.IngestEnabled {
		reader := kafkaadapter.NewReader(cfg, logger)
		a.closers = append(a.closers, reader.Close)
		consumer := ingest.New(reader, a.engine.Aggregator, logger, metrics, cfg.BatchSize)
		ready = append(ready, consumer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("ingest error", "error", err)
			}
		}()
	}

	api := httpadapter.NewAPI(a.engine, cfg.JWTSecret, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, ready, api, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background workers did not stop before the shutdown timeout")
	}

	logger.Info("shutdown complete")
	return nil
}
