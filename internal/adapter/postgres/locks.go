package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

var errRegionBusy = errors.New("region lock held elsewhere")

// LockRegions takes session advisory locks on keys, in ascending order, on one pinned
// connection. Busy keys are retried with backoff instead of blocking so waiters do
// not hold pool connections. The returned func unlocks and returns the connection.
func (s *Store) LockRegions(ctx context.Context, keys []int64) (func(), error) {
	sorted := sortedUnique(keys)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for region lock: %w", domain.ErrUnavailable, ctx.Err())
	}

	var conn *pgxpool.Conn
	attempt := func() error {
		c, ok, err := s.tryLockAll(ctx, sorted)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errRegionBusy
		}
		conn = c
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		<-s.slots
		return nil, fmt.Errorf("%w: waiting for region lock: %w", domain.ErrUnavailable, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseLocks(conn)
			<-s.slots
		})
	}, nil
}

// tryLockAll takes every key or none.
func (s *Store) tryLockAll(ctx context.Context, keys []int64) (*pgxpool.Conn, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, classify(err)
	}
	for _, k := range keys {
		var ok bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, k).Scan(&ok); err != nil {
			releaseLocks(conn)
			return nil, false, classify(err)
		}
		if !ok {
			releaseLocks(conn)
			return nil, false, nil
		}
	}
	return conn, true, nil
}

// releaseLocks drops every advisory lock held by the session. A connection that
// cannot be unlocked is closed rather than returned to the pool.
func releaseLocks(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock_all()`); err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

func sortedUnique(keys []int64) []int64 {
	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]int64, 0, len(sorted))
	for _, k := range sorted {
		if n := len(out); n > 0 && out[n-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out
}
