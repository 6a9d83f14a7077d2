package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// retryConflicts runs fn until it succeeds, fails with a non-conflict error, or the
// policy's attempt budget is spent. Exhausting the budget surfaces domain.ErrConflict.
func (c *core) retryConflicts(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = 0

	attempts := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.Policy.ConflictRetries-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrConflict) {
			c.Metrics.ConflictRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if err != nil && errors.Is(err, domain.ErrVersionConflict) && !errors.Is(err, domain.ErrConflict) {
		c.Logger.Warn("conflict retries exhausted", "op", op, "attempts", attempts)
		return fmt.Errorf("%w: %s gave up after %d attempts: %w", domain.ErrConflict, op, attempts, err)
	}
	return err
}
