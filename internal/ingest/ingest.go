// Package ingest feeds report messages from a broker topic into the aggregator.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// BatchExtractor reads up to batchSize raw messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// Submitter accepts decoded reports.
type Submitter interface {
	SubmitReport(ctx context.Context, r domain.Report) (engine.ReportOutcome, error)
}

// Consumer runs the extract-submit-commit loop.
type Consumer struct {
	extractor BatchExtractor
	submitter Submitter
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New creates a Consumer.
func New(e BatchExtractor, s Submitter, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Consumer {
	return &Consumer{
		extractor: e,
		submitter: s,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil while the loop is running and the broker answers.
func (c *Consumer) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("report ingestion is not running or cannot reach the broker")
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("report ingestion started", "batch_size", c.batchSize)
	c.metrics.IngestRunning.Set(1)
	c.ready.Store(true)
	defer func() {
		c.ready.Store(false)
		c.metrics.IngestRunning.Set(0)
	}()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("report ingestion stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !c.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one extract-submit cycle. Messages returned alongside an extract
// error are still submitted and committed before backing off. Returns false if the
// loop should stop.
func (c *Consumer) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	batch, extractErr := c.extractor.ExtractBatch(ctx, c.batchSize)
	if extractErr != nil && ctx.Err() != nil {
		return false
	}

	if len(batch) > 0 {
		c.metrics.MessagesConsumed.Add(float64(len(batch)))
		c.metrics.BatchSize.Observe(float64(len(batch)))
		for _, raw := range batch {
			if !c.handle(ctx, raw, backoff) {
				return false
			}
		}
		c.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	}

	if extractErr != nil {
		c.logger.Error("extract batch failed", "error", extractErr, "processed", len(batch))
		c.ready.Store(false)
		return c.backoffOrStop(ctx, backoff)
	}
	if len(batch) == 0 {
		return ctx.Err() == nil
	}
	*backoff = initialBackoff
	c.ready.Store(true)
	return true
}

// handle submits one message, retrying transient failures in place so offsets are
// committed in order. Returns false if the loop should stop.
func (c *Consumer) handle(ctx context.Context, raw domain.RawMessage, backoff *time.Duration) bool {
	report, err := domain.DecodeReport(raw)
	if err != nil {
		c.skip(ctx, raw, err)
		return true
	}

	for {
		_, err := c.submitter.SubmitReport(ctx, report)
		switch {
		case err == nil:
			*backoff = initialBackoff
			c.commit(ctx, raw)
			return true
		case permanent(err):
			c.skip(ctx, raw, err)
			return true
		}

		c.logger.Error("submit report failed, retrying",
			"error", err,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
		if !c.backoffOrStop(ctx, backoff) {
			return false
		}
	}
}

// permanent reports errors that retrying the same message cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrNotFound)
}

func (c *Consumer) skip(ctx context.Context, raw domain.RawMessage, err error) {
	c.logger.Warn("invalid report, skipping message",
		"error", err,
		"topic", raw.Topic,
		"partition", raw.Partition,
		"offset", raw.Offset,
	)
	c.metrics.IngestErrors.Inc()
	c.commit(ctx, raw)
}

// backoffOrStop sleeps with the current backoff and advances it. Returns false if
// the loop should stop.
func (c *Consumer) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sharedretry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = sharedretry.NextBackoff(*backoff, maxBackoff)
	return true
}

func (c *Consumer) commit(ctx context.Context, raw domain.RawMessage) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		c.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}
