package geo_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

func TestDistance_KnownPairs(t *testing.T) {
	tests := []struct {
		name string
		a, b domain.Point
		want float64
		tol  float64
	}{
		{"same point", domain.Point{Lat: 40, Lng: -75}, domain.Point{Lat: 40, Lng: -75}, 0, 1e-9},
		{"one degree latitude", domain.Point{Lat: 0, Lng: 0}, domain.Point{Lat: 1, Lng: 0}, 111195, 5},
		{"across antimeridian", domain.Point{Lat: 0, Lng: 179.999}, domain.Point{Lat: 0, Lng: -179.999}, 222.4, 1},
		{"pole to pole", domain.Point{Lat: 90, Lng: 0}, domain.Point{Lat: -90, Lng: 0}, math.Pi * geo.EarthRadiusMeters, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, geo.Distance(tt.a, tt.b), tt.tol)
		})
	}
}

func TestBox_ContainsWraparound(t *testing.T) {
	box := geo.Box{MinLat: -10, MinLng: 170, MaxLat: 10, MaxLng: -170}
	assert.True(t, box.Wraps())
	assert.True(t, box.Contains(domain.Point{Lat: 0, Lng: 175}))
	assert.True(t, box.Contains(domain.Point{Lat: 0, Lng: -175}))
	assert.True(t, box.Contains(domain.Point{Lat: 0, Lng: 180}))
	assert.False(t, box.Contains(domain.Point{Lat: 0, Lng: 0}))
	assert.False(t, box.Contains(domain.Point{Lat: 20, Lng: 175}))
	assert.Len(t, box.Split(), 2)
}

func TestAround_CoversCircle(t *testing.T) {
	center := domain.Point{Lat: 45, Lng: 179.999}
	box := geo.Around(center, 1000)
	assert.True(t, box.Wraps())
	assert.True(t, box.Contains(domain.Point{Lat: 45, Lng: -179.995}))

	polar := geo.Around(domain.Point{Lat: 89.999, Lng: 0}, 5000)
	assert.Equal(t, -180.0, polar.MinLng)
	assert.Equal(t, 180.0, polar.MaxLng)
}

func TestRTreeIndex_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewRTreeIndex()

	err := idx.Insert(ctx, "a", domain.Point{Lat: math.NaN(), Lng: 0})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	err = idx.Insert(ctx, "a", domain.Point{Lat: 91, Lng: 0})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = idx.QueryRadius(ctx, domain.Point{Lat: 0, Lng: 0}, -1)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = idx.QueryRadius(ctx, domain.Point{Lat: 0, Lng: math.Inf(1)}, 10)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = idx.QueryBounds(ctx, geo.Box{MinLat: 10, MaxLat: -10, MinLng: 0, MaxLng: 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestRTreeIndex_QueryRadiusOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewRTreeIndex()
	center := domain.Point{Lat: 40.7128, Lng: -74.0060}

	require.NoError(t, idx.Insert(ctx, "far", domain.Point{Lat: 40.7160, Lng: -74.0060}))
	require.NoError(t, idx.Insert(ctx, "near", domain.Point{Lat: 40.7130, Lng: -74.0060}))
	require.NoError(t, idx.Insert(ctx, "outside", domain.Point{Lat: 40.80, Lng: -74.0060}))
	require.NoError(t, idx.Insert(ctx, "mid", domain.Point{Lat: 40.7145, Lng: -74.0060}))

	hits, err := idx.QueryRadius(ctx, center, 500)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
	for _, h := range hits {
		assert.LessOrEqual(t, h.DistanceMeters, 500.0)
	}
}

func TestRTreeIndex_QueryRadiusAcrossAntimeridian(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewRTreeIndex()
	require.NoError(t, idx.Insert(ctx, "east", domain.Point{Lat: 0, Lng: 179.9995}))
	require.NoError(t, idx.Insert(ctx, "west", domain.Point{Lat: 0, Lng: -179.9995}))

	hits, err := idx.QueryRadius(ctx, domain.Point{Lat: 0, Lng: 180}, 200)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestRTreeIndex_RemoveAndMove(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewRTreeIndex()
	require.NoError(t, idx.Insert(ctx, "a", domain.Point{Lat: 1, Lng: 1}))
	require.NoError(t, idx.Insert(ctx, "a", domain.Point{Lat: 2, Lng: 2}))
	assert.Equal(t, 1, idx.Len())

	ids, err := idx.QueryBounds(ctx, geo.Box{MinLat: 0, MinLng: 0, MaxLat: 1.5, MaxLng: 1.5})
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, idx.Remove(ctx, "a"))
	require.NoError(t, idx.Remove(ctx, "missing"))
	assert.Equal(t, 0, idx.Len())
}

// Every inserted point is returned by a bounds query covering it, and never by one
// that excludes it.
func TestRTreeIndex_BoundsRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewRTreeIndex()
	rng := rand.New(rand.NewSource(7))

	points := make(map[string]domain.Point)
	for i := 0; i < 2000; i++ {
		p := domain.Point{Lat: rng.Float64()*180 - 90, Lng: rng.Float64()*360 - 180}
		id := fmt.Sprintf("o-%04d", i)
		points[id] = p
		require.NoError(t, idx.Insert(ctx, id, p))
	}

	boxes := []geo.Box{
		{MinLat: -90, MinLng: -180, MaxLat: 90, MaxLng: 180},
		{MinLat: -20, MinLng: 150, MaxLat: 30, MaxLng: -150},
		{MinLat: 10, MinLng: -60, MaxLat: 50, MaxLng: 20},
	}
	for _, box := range boxes {
		got, err := idx.QueryBounds(ctx, box)
		require.NoError(t, err)

		var want []string
		for id, p := range points {
			if box.Contains(p) {
				want = append(want, id)
			}
		}
		sort.Strings(want)
		assert.Equal(t, want, got)
	}

	for id, p := range points {
		hits, err := idx.QueryRadius(ctx, p, 1)
		require.NoError(t, err)
		found := false
		for _, h := range hits {
			if h.ID == id {
				found = true
			}
		}
		assert.True(t, found, "point %s not found by radius query at its own location", id)
	}
}

func TestRTreeIndex_RadiusMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewRTreeIndex()
	rng := rand.New(rand.NewSource(11))
	center := domain.Point{Lat: 51.5, Lng: -0.12}

	var entries []geo.Entry
	for i := 0; i < 1000; i++ {
		p := domain.Point{Lat: center.Lat + rng.Float64()*0.2 - 0.1, Lng: center.Lng + rng.Float64()*0.2 - 0.1}
		entries = append(entries, geo.Entry{ID: fmt.Sprintf("o-%04d", i), Point: p})
	}
	idx.Replace(entries)

	hits, err := idx.QueryRadius(ctx, center, 3000)
	require.NoError(t, err)

	want := 0
	for _, e := range entries {
		if geo.Distance(center, e.Point) <= 3000 {
			want++
		}
	}
	assert.Len(t, hits, want)
	assert.True(t, sort.SliceIsSorted(hits, func(i, j int) bool {
		return hits[i].DistanceMeters < hits[j].DistanceMeters
	}))
}
