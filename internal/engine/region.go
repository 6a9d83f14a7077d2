package engine

import (
	"math"
	"sort"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

const metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

// RegionKeys returns the sorted lock keys of the grid cells overlapping the circle of
// radiusMeters around p. Cells are radiusMeters tall; their width widens toward the
// poles so every row holds a bounded number of cells. Two reports within radiusMeters
// of each other always share at least one key, which serializes their merge decisions.
func RegionKeys(p domain.Point, radiusMeters float64) []int64 {
	cellDeg := radiusMeters / metersPerDegree
	rows := int64(math.Ceil(180 / cellDeg))
	box := geo.Around(p, radiusMeters)

	seen := make(map[int64]struct{})
	for _, piece := range box.Split() {
		r0, r1 := rowOf(piece.MinLat, cellDeg, rows), rowOf(piece.MaxLat, cellDeg, rows)
		for r := r0; r <= r1; r++ {
			width, cols := rowCells(r, cellDeg)
			c0, c1 := colOf(piece.MinLng, width, cols), colOf(piece.MaxLng, width, cols)
			for c := c0; c <= c1; c++ {
				seen[r<<32|c] = struct{}{}
			}
		}
	}

	keys := make([]int64, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func rowOf(lat, cellDeg float64, rows int64) int64 {
	r := int64(math.Floor((lat + 90) / cellDeg))
	return clampCell(r, rows)
}

// rowCells returns the longitude width of cells in row r and how many there are.
// The width is sized at the row edge nearest the pole.
func rowCells(r int64, cellDeg float64) (float64, int64) {
	lo := -90 + float64(r)*cellDeg
	hi := lo + cellDeg
	edge := math.Max(math.Abs(lo), math.Abs(hi))
	if edge > 90 {
		edge = 90
	}
	width := 360.0
	if c := math.Cos(edge * math.Pi / 180); c > 0 {
		width = math.Min(360, cellDeg/c)
	}
	return width, int64(math.Ceil(360 / width))
}

func colOf(lng, width float64, cols int64) int64 {
	c := int64(math.Floor((lng + 180) / width))
	return clampCell(c, cols)
}

func clampCell(v, n int64) int64 {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
