package engine

import (
	"context"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
)

// Sweeper periodically expires stale outages and keeps the geo index following the
// store: it applies the store's change feed every syncInterval and rebuilds the
// index from scratch every reindexInterval, so every process converges on the same
// active set.
type Sweeper struct {
	engine          *Engine
	sweepInterval   time.Duration
	reindexInterval time.Duration
	syncInterval    time.Duration
}

// NewSweeper creates a sweeper. A non-positive reindexInterval disables rebuilds and
// a non-positive syncInterval disables change feed polling.
func NewSweeper(e *Engine, sweepInterval, reindexInterval, syncInterval time.Duration) *Sweeper {
	return &Sweeper{
		engine:          e,
		sweepInterval:   sweepInterval,
		reindexInterval: reindexInterval,
		syncInterval:    syncInterval,
	}
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Run sweeps until ctx is cancelled. The geo index is built before the first sweep;
// failed passes are retried with exponential backoff.
func (s *Sweeper) Run(ctx context.Context) error {
	c := s.engine.Lifecycle.core
	c.Logger.Info("sweeper started",
		"sweep_interval", s.sweepInterval,
		"reindex_interval", s.reindexInterval,
		"sync_interval", s.syncInterval,
	)

	backoff := initialBackoff
	for !s.rebuild(ctx) {
		if !s.sleep(ctx, backoff) {
			return nil
		}
		backoff = sharedretry.NextBackoff(backoff, maxBackoff)
	}

	sweep := c.Clock.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	var reindex <-chan time.Time
	if s.reindexInterval > 0 {
		t := c.Clock.NewTicker(s.reindexInterval)
		defer t.Stop()
		reindex = t.Chan()
	}

	var sync <-chan time.Time
	if s.syncInterval > 0 {
		t := c.Clock.NewTicker(s.syncInterval)
		defer t.Stop()
		sync = t.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			c.Logger.Info("sweeper stopping", "reason", ctx.Err())
			return nil
		case <-sweep.Chan():
			s.retry(ctx, s.sweepOnce)
		case <-reindex:
			s.retry(ctx, s.rebuild)
		case <-sync:
			s.SyncOnce(ctx)
		}
	}
}

// SweepOnce runs a single expiry pass and returns how many outages were resolved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	return s.engine.Lifecycle.ExpireStale(ctx)
}

func (s *Sweeper) sweepOnce(ctx context.Context) bool {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.engine.Lifecycle.Logger.Error("stale sweep failed", "expired", n, "error", err)
		return false
	}
	return true
}

func (s *Sweeper) rebuild(ctx context.Context) bool {
	c := s.engine.Lifecycle.core
	if err := c.Index.Rebuild(ctx); err != nil {
		c.Logger.Error("geo index rebuild failed", "error", err)
		return false
	}
	c.Metrics.IndexedPoints.Set(float64(c.Index.Len()))
	return true
}

// SyncOnce applies the store's change feed to the geo index once. Failures are
// logged and left to the next tick; the index's lag bound sends queries to the store
// meanwhile.
func (s *Sweeper) SyncOnce(ctx context.Context) {
	c := s.engine.Lifecycle.core
	n, err := c.Index.Sync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.Metrics.IndexSyncs.WithLabelValues("error").Inc()
			c.Logger.Warn("geo index sync failed", "error", err)
		}
		return
	}
	c.Metrics.IndexSyncs.WithLabelValues("ok").Inc()
	if n > 0 {
		c.Metrics.IndexChanges.Add(float64(n))
		c.Metrics.IndexedPoints.Set(float64(c.Index.Len()))
	}
}

// retry repeats fn with backoff until it succeeds or ctx ends.
func (s *Sweeper) retry(ctx context.Context, fn func(context.Context) bool) {
	backoff := initialBackoff
	for !fn(ctx) {
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = sharedretry.NextBackoff(backoff, maxBackoff)
	}
}

// sleep waits on the engine clock so tests can drive retries.
func (s *Sweeper) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.engine.Lifecycle.Clock.After(d):
		return true
	}
}
