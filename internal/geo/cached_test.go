package geo_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

type stubSource struct {
	entries []geo.Entry
	err     error
	during  func()

	// feed is indexed by cursor: ChangesSince(n) returns feed[n:].
	feed    []geo.Change
	feedErr error
}

func (s *stubSource) ActivePoints(_ context.Context) ([]geo.Entry, error) {
	if s.during != nil {
		s.during()
	}
	return s.entries, s.err
}

func (s *stubSource) ChangeCursor(_ context.Context) (int64, error) {
	return int64(len(s.feed)), nil
}

func (s *stubSource) ChangesSince(_ context.Context, cursor int64) ([]geo.Change, int64, error) {
	if s.feedErr != nil {
		return nil, cursor, s.feedErr
	}
	return append([]geo.Change(nil), s.feed[cursor:]...), int64(len(s.feed)), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedIndex_UnavailableUntilBuilt(t *testing.T) {
	ctx := context.Background()
	c := geo.NewCachedIndex(&stubSource{}, discardLogger())

	_, err := c.QueryRadius(ctx, domain.Point{Lat: 0, Lng: 0}, 100)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
	assert.Error(t, c.CheckReadiness(ctx))

	require.NoError(t, c.Rebuild(ctx))
	assert.NoError(t, c.CheckReadiness(ctx))

	c.Invalidate()
	_, err = c.QueryBounds(ctx, geo.Box{MinLat: -1, MinLng: -1, MaxLat: 1, MaxLng: 1})
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
}

func TestCachedIndex_RebuildLoadsStore(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{entries: []geo.Entry{
		{ID: "a", Point: domain.Point{Lat: 10, Lng: 10}},
		{ID: "b", Point: domain.Point{Lat: 10.001, Lng: 10}},
	}}
	c := geo.NewCachedIndex(src, discardLogger())
	require.NoError(t, c.Rebuild(ctx))

	hits, err := c.QueryRadius(ctx, domain.Point{Lat: 10, Lng: 10}, 500)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, 2, c.Len())
}

func TestCachedIndex_RebuildReplaysConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	var c *geo.CachedIndex
	src := &stubSource{
		entries: []geo.Entry{{ID: "old", Point: domain.Point{Lat: 5, Lng: 5}}},
	}
	src.during = func() {
		// Writes that race the store read must survive the swap.
		require.NoError(t, c.Insert(ctx, "new", domain.Point{Lat: 5.001, Lng: 5}))
		require.NoError(t, c.Remove(ctx, "old"))
	}
	c = geo.NewCachedIndex(src, discardLogger())

	require.NoError(t, c.Rebuild(ctx))

	ids, err := c.QueryBounds(ctx, geo.Box{MinLat: 4, MinLng: 4, MaxLat: 6, MaxLng: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)
}

func TestCachedIndex_RebuildFailureKeepsUnavailable(t *testing.T) {
	ctx := context.Background()
	c := geo.NewCachedIndex(&stubSource{err: errors.New("db down")}, discardLogger())

	err := c.Rebuild(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Error(t, c.CheckReadiness(ctx))
}

func TestCachedIndex_SyncAppliesFeed(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{
		entries: []geo.Entry{{ID: "a", Point: domain.Point{Lat: 1, Lng: 1}}},
		feed:    []geo.Change{{ID: "a", Point: domain.Point{Lat: 1, Lng: 1}, Active: true}},
	}
	c := geo.NewCachedIndex(src, discardLogger())

	n, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to sync before the first build")

	require.NoError(t, c.Rebuild(ctx))
	n, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "changes before the build are already in the snapshot")

	// Another process creates b and resolves a.
	src.feed = append(src.feed,
		geo.Change{ID: "b", Point: domain.Point{Lat: 1.001, Lng: 1}, Active: true},
		geo.Change{ID: "a", Point: domain.Point{Lat: 1, Lng: 1}, Active: false},
	)
	n, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := c.QueryBounds(ctx, geo.Box{MinLat: 0, MinLng: 0, MaxLat: 2, MaxLng: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	n, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCachedIndex_SyncFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{}
	c := geo.NewCachedIndex(src, discardLogger())
	require.NoError(t, c.Rebuild(ctx))

	src.feed = []geo.Change{{ID: "x", Point: domain.Point{Lat: 3, Lng: 3}, Active: true}}
	src.feedErr = errors.New("db down")
	_, err := c.Sync(ctx)
	require.Error(t, err)

	src.feedErr = nil
	n, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Len())
}

func TestCachedIndex_MaxLagFallsThrough(t *testing.T) {
	ctx := context.Background()
	c := geo.NewCachedIndex(&stubSource{}, discardLogger())
	require.NoError(t, c.Rebuild(ctx))
	c.SetMaxLag(time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := c.QueryRadius(ctx, domain.Point{Lat: 0, Lng: 0}, 100)
		return errors.Is(err, domain.ErrUnavailable)
	}, time.Second, 2*time.Millisecond)
	assert.NoError(t, c.CheckReadiness(ctx), "a lagging cache is still built")

	c.SetMaxLag(time.Hour)
	_, err := c.Sync(ctx)
	require.NoError(t, err)
	_, err = c.QueryRadius(ctx, domain.Point{Lat: 0, Lng: 0}, 100)
	assert.NoError(t, err)
}
