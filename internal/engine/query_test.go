package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

// seed creates three separate outages north of origin at 0m, 1km, and 2km.
func seed(t *testing.T, f *fixture, origin domain.Point) []string {
	t.Helper()
	ctx := context.Background()
	specs := []struct {
		st  domain.ServiceType
		sev domain.Severity
		off float64
	}{
		{domain.ServicePower, domain.SeverityComplete, 0},
		{domain.ServiceInternet, domain.SeverityIntermittent, 1000},
		{domain.ServicePower, domain.SeverityDegraded, 2000},
	}
	ids := make([]string, len(specs))
	for i, s := range specs {
		p := offsetNorth(origin, s.off)
		ids[i] = f.submit(t, report(s.st, s.sev, p.Lat, p.Lng, "reporter")).OutageID
	}
	// Verify the first outage.
	for _, u := range []string{"u1", "u2"} {
		_, err := f.engine.Verifier.Confirm(ctx, ids[0], u)
		require.NoError(t, err)
	}
	return ids
}

func snapshotIDs(snaps []engine.Snapshot) []string {
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	return ids
}

func TestNearby_SortedByDistance(t *testing.T) {
	f := newFixture(t)
	origin := domain.Point{Lat: 47.6, Lng: -122.3}
	ids := seed(t, f, origin)

	res, err := f.engine.Query.Nearby(context.Background(), offsetNorth(origin, 2100), 5000, engine.Filter{})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, engine.SourceIndex, res.Source)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, snapshotIDs(res.Outages))

	for i := 1; i < len(res.Outages); i++ {
		assert.LessOrEqual(t, *res.Outages[i-1].DistanceMeters, *res.Outages[i].DistanceMeters)
	}
	assert.InDelta(t, 100, *res.Outages[0].DistanceMeters, 1)
}

func TestNearby_Filters(t *testing.T) {
	f := newFixture(t)
	origin := domain.Point{Lat: 47.6, Lng: -122.3}
	ids := seed(t, f, origin)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter engine.Filter
		want   []string
	}{
		{"service type", engine.Filter{ServiceTypes: []domain.ServiceType{domain.ServicePower}}, []string{ids[0], ids[2]}},
		{"several service types", engine.Filter{ServiceTypes: []domain.ServiceType{domain.ServiceInternet, domain.ServiceCellular}}, []string{ids[1]}},
		{"min severity", engine.Filter{MinSeverity: domain.SeverityDegraded}, []string{ids[0], ids[2]}},
		{"min severity complete", engine.Filter{MinSeverity: domain.SeverityComplete}, []string{ids[0]}},
		{"verified only", engine.Filter{VerifiedOnly: true}, []string{ids[0]}},
		{"provider", engine.Filter{ProviderID: "nobody"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.engine.Query.Nearby(ctx, origin, 5000, tt.filter)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, snapshotIDs(res.Outages)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNearby_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Query.Nearby(ctx, domain.Point{Lat: 0, Lng: 0}, -5, engine.Filter{})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = f.engine.Query.Nearby(ctx, domain.Point{Lat: math.Inf(-1), Lng: 0}, 5, engine.Filter{})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = f.engine.Query.Nearby(ctx, domain.Point{Lat: 0, Lng: 0}, 5, engine.Filter{MinSeverity: "apocalyptic"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = f.engine.Query.InBounds(ctx, geo.Box{MinLat: 5, MaxLat: 1}, engine.Filter{})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestInBounds_Wraparound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	east := f.submit(t, report(domain.ServicePower, domain.SeverityComplete, -17.7, 179.5, "fiji")).OutageID
	west := f.submit(t, report(domain.ServicePower, domain.SeverityComplete, -17.7, -179.5, "fiji")).OutageID
	f.submit(t, report(domain.ServicePower, domain.SeverityComplete, -17.7, 0, "elsewhere"))

	res, err := f.engine.Query.InBounds(ctx, geo.Box{MinLat: -20, MinLng: 179, MaxLat: -15, MaxLng: -179}, engine.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{east, west}, snapshotIDs(res.Outages))
	for _, s := range res.Outages {
		assert.Nil(t, s.DistanceMeters)
	}
}

func TestQuery_FallsBackToStoreWhenIndexLost(t *testing.T) {
	f := newFixture(t)
	origin := domain.Point{Lat: 47.6, Lng: -122.3}
	ids := seed(t, f, origin)

	f.index.Invalidate()
	res, err := f.engine.Query.Nearby(context.Background(), origin, 5000, engine.Filter{})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, engine.SourceStore, res.Source)
	assert.Equal(t, ids, snapshotIDs(res.Outages))
}

func TestQuery_ServesCachedResultWhenEverythingIsDown(t *testing.T) {
	f := newFixture(t)
	origin := domain.Point{Lat: 47.6, Lng: -122.3}
	ids := seed(t, f, origin)
	ctx := context.Background()

	warm, err := f.engine.Query.Nearby(ctx, origin, 5000, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, warm.Outages, 3)

	f.index.Invalidate()
	f.store.failReads.Store(true)

	res, err := f.engine.Query.Nearby(ctx, origin, 5000, engine.Filter{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, engine.SourceCache, res.Source)
	assert.Equal(t, ids, snapshotIDs(res.Outages))

	// A query never answered before degrades to an empty result.
	res, err = f.engine.Query.InBounds(ctx, geo.Box{MinLat: 0, MinLng: 0, MaxLat: 1, MaxLng: 1}, engine.Filter{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, engine.SourceNone, res.Source)
	assert.Empty(t, res.Outages)
}

func TestQuery_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.index.Invalidate()
	f.store.failReads.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Query.Nearby(ctx, domain.Point{Lat: 1, Lng: 1}, 100, engine.Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshot_Projection(t *testing.T) {
	f := newFixture(t)
	r := report(domain.ServicePower, domain.SeverityComplete, 1, 1, "reporter")
	r.Description = "transformer fire"
	r.City = "Springfield"
	out := f.submit(t, r)

	res, err := f.engine.Query.Nearby(context.Background(), domain.Point{Lat: 1, Lng: 1}, 10, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, res.Outages, 1)

	got := res.Outages[0]
	assert.Equal(t, out.OutageID, got.ID)
	assert.Equal(t, "transformer fire", got.Description)
	assert.Equal(t, "Springfield", got.City)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.InDelta(t, 0, *got.DistanceMeters, 1e-6)
}
