package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// Change is the current location and status of one outage, as reported by a
// change feed.
type Change struct {
	ID     string
	Point  domain.Point
	Active bool
}

// Source is the persistence collaborator behind the cache: a full listing of active
// points plus a feed of outage writes since a cursor.
type Source interface {
	ActivePoints(ctx context.Context) ([]Entry, error)

	// ChangeCursor returns a cursor positioned at the most recent write.
	ChangeCursor(ctx context.Context) (int64, error)

	// ChangesSince returns the outages written after cursor and the cursor to pass
	// on the next call. An outage may be returned more than once.
	ChangesSince(ctx context.Context, cursor int64) ([]Change, int64, error)
}

// CachedIndex is a write-through cache of active points over the store. The store
// row is written first by the engine; the cache then mirrors it in memory. Writes
// made by other processes arrive through Sync, which follows the store's change
// feed. Rebuild reloads everything on cold start, after cache loss, or periodically.
type CachedIndex struct {
	mem    *RTreeIndex
	source Source
	logger *slog.Logger

	mu         sync.Mutex
	ready      bool
	rebuilding bool
	journal    []journalOp
	lastBuild  time.Time
	cursor     int64
	lastSync   time.Time
	maxLag     time.Duration
}

type journalOp struct {
	id     string
	point  domain.Point
	remove bool
}

// NewCachedIndex creates a cache that is unavailable until the first Rebuild.
func NewCachedIndex(source Source, logger *slog.Logger) *CachedIndex {
	return &CachedIndex{
		mem:    NewRTreeIndex(),
		source: source,
		logger: logger,
	}
}

// Rebuild replaces the cache content with the store's active points. Writes that
// land while the store is being read are replayed on top of the snapshot.
func (c *CachedIndex) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	if c.rebuilding {
		c.mu.Unlock()
		return nil
	}
	c.rebuilding = true
	c.journal = nil
	c.mu.Unlock()

	start := time.Now()
	// The cursor is taken before the listing so writes racing it are replayed by
	// the next Sync.
	head, err := c.source.ChangeCursor(ctx)
	var entries []Entry
	if err == nil {
		entries, err = c.source.ActivePoints(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuilding = false
	journal := c.journal
	c.journal = nil
	if err != nil {
		return fmt.Errorf("rebuild geo index: %w", err)
	}

	c.mem.Replace(entries)
	for _, op := range journal {
		if op.remove {
			_ = c.mem.Remove(ctx, op.id)
			continue
		}
		_ = c.mem.Insert(ctx, op.id, op.point)
	}
	c.ready = true
	c.cursor = head
	c.lastBuild = time.Now()
	c.lastSync = c.lastBuild
	c.logger.Info("geo index rebuilt",
		"points", c.mem.Len(),
		"replayed", len(journal),
		"duration", time.Since(start),
	)
	return nil
}

// Sync applies the outage writes recorded by the store since the last build or
// sync, including writes made by other processes, and returns how many changes it
// applied. It does nothing until the cache has been built.
func (c *CachedIndex) Sync(ctx context.Context) (int, error) {
	c.mu.Lock()
	if !c.ready || c.rebuilding {
		c.mu.Unlock()
		return 0, nil
	}
	cursor := c.cursor
	c.mu.Unlock()

	changes, next, err := c.source.ChangesSince(ctx, cursor)
	if err != nil {
		return 0, fmt.Errorf("sync geo index: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A rebuild finished meanwhile and already covers these changes.
	if !c.ready || c.rebuilding || c.cursor != cursor {
		return 0, nil
	}
	for _, ch := range changes {
		if ch.Active {
			if err := c.mem.Insert(ctx, ch.ID, ch.Point); err != nil {
				c.logger.Warn("geo index sync skipped change", "outage_id", ch.ID, "error", err)
			}
			continue
		}
		_ = c.mem.Remove(ctx, ch.ID)
	}
	c.cursor = next
	c.lastSync = time.Now()
	return len(changes), nil
}

// SetMaxLag makes queries fail with ErrUnavailable once no build or sync has
// succeeded for longer than d, so callers fall back to the store instead of
// answering from a cache that has stopped following other processes. Zero disables
// the check.
func (c *CachedIndex) SetMaxLag(d time.Duration) {
	c.mu.Lock()
	c.maxLag = d
	c.mu.Unlock()
}

// Invalidate marks the cache lost; queries fail with ErrUnavailable until the next Rebuild.
func (c *CachedIndex) Invalidate() {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
}

// Insert mirrors a newly active outage.
func (c *CachedIndex) Insert(ctx context.Context, id string, p domain.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mem.Insert(ctx, id, p); err != nil {
		return err
	}
	if c.rebuilding {
		c.journal = append(c.journal, journalOp{id: id, point: p})
	}
	return nil
}

// Remove drops an outage that left the active state.
func (c *CachedIndex) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mem.Remove(ctx, id); err != nil {
		return err
	}
	if c.rebuilding {
		c.journal = append(c.journal, journalOp{id: id, remove: true})
	}
	return nil
}

// QueryRadius answers from memory, or fails with ErrUnavailable before the first build.
func (c *CachedIndex) QueryRadius(ctx context.Context, center domain.Point, radiusMeters float64) ([]Hit, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return c.mem.QueryRadius(ctx, center, radiusMeters)
}

// QueryBounds answers from memory, or fails with ErrUnavailable before the first build.
func (c *CachedIndex) QueryBounds(ctx context.Context, box Box) ([]string, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return c.mem.QueryBounds(ctx, box)
}

// Len returns the number of cached points.
func (c *CachedIndex) Len() int {
	return c.mem.Len()
}

// CheckReadiness reports whether the cache has been built.
func (c *CachedIndex) CheckReadiness(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, errNotBuilt)
	}
	return nil
}

var (
	errNotBuilt = errors.New("geo index not built")
	errLagging  = errors.New("geo index is behind the store")
)

func (c *CachedIndex) available() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, errNotBuilt)
	}
	if c.maxLag > 0 && time.Since(c.lastSync) > c.maxLag {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, errLagging)
	}
	return nil
}
