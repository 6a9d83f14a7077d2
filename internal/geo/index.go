package geo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/rtree"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// Hit is one radius query result.
type Hit struct {
	ID             string  `json:"id"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Entry is an indexed outage location.
type Entry struct {
	ID    string
	Point domain.Point
}

// Index is the contract shared by the in-memory index, the cache in front of it,
// and store-backed implementations.
type Index interface {
	Insert(ctx context.Context, id string, p domain.Point) error
	Remove(ctx context.Context, id string) error
	QueryRadius(ctx context.Context, center domain.Point, radiusMeters float64) ([]Hit, error)
	QueryBounds(ctx context.Context, box Box) ([]string, error)
}

// RTreeIndex keeps points in an R-tree keyed on (lng, lat). Readers share a read lock,
// so a query never observes a half-applied insert.
type RTreeIndex struct {
	mu     sync.RWMutex
	tree   *rtree.RTreeG[string]
	points map[string]domain.Point
}

// NewRTreeIndex creates an empty index.
func NewRTreeIndex() *RTreeIndex {
	return &RTreeIndex{tree: &rtree.RTreeG[string]{}, points: make(map[string]domain.Point)}
}

func rect(p domain.Point) [2]float64 {
	return [2]float64{p.Lng, p.Lat}
}

// Insert adds or moves id to p.
func (x *RTreeIndex) Insert(_ context.Context, id string, p domain.Point) error {
	if id == "" {
		return fmt.Errorf("%w: empty outage id", domain.ErrInvalidArgument)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.insertLocked(id, p)
	return nil
}

func (x *RTreeIndex) insertLocked(id string, p domain.Point) {
	if old, ok := x.points[id]; ok {
		x.tree.Delete(rect(old), rect(old), id)
	}
	x.tree.Insert(rect(p), rect(p), id)
	x.points[id] = p
}

// Remove drops id. Removing an absent id is a no-op.
func (x *RTreeIndex) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	return nil
}

func (x *RTreeIndex) removeLocked(id string) {
	old, ok := x.points[id]
	if !ok {
		return
	}
	x.tree.Delete(rect(old), rect(old), id)
	delete(x.points, id)
}

// Replace swaps the whole content for entries.
func (x *RTreeIndex) Replace(entries []Entry) {
	tree := &rtree.RTreeG[string]{}
	points := make(map[string]domain.Point, len(entries))
	for _, e := range entries {
		if old, ok := points[e.ID]; ok {
			tree.Delete(rect(old), rect(old), e.ID)
		}
		tree.Insert(rect(e.Point), rect(e.Point), e.ID)
		points[e.ID] = e.Point
	}

	x.mu.Lock()
	x.tree = tree
	x.points = points
	x.mu.Unlock()
}

// Len returns the number of indexed points.
func (x *RTreeIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.points)
}

// QueryRadius returns ids within radiusMeters of center, nearest first. Equal
// distances are ordered by id so results are deterministic.
func (x *RTreeIndex) QueryRadius(_ context.Context, center domain.Point, radiusMeters float64) ([]Hit, error) {
	if err := ValidateRadius(center, radiusMeters); err != nil {
		return nil, err
	}

	x.mu.RLock()
	var hits []Hit
	for _, b := range Around(center, radiusMeters).Split() {
		x.tree.Search([2]float64{b.MinLng, b.MinLat}, [2]float64{b.MaxLng, b.MaxLat},
			func(_, _ [2]float64, id string) bool {
				if d := Distance(center, x.points[id]); d <= radiusMeters {
					hits = append(hits, Hit{ID: id, DistanceMeters: d})
				}
				return true
			})
	}
	x.mu.RUnlock()

	SortHits(hits)
	return dedupeHits(hits), nil
}

// QueryBounds returns ids inside box, sorted.
func (x *RTreeIndex) QueryBounds(_ context.Context, box Box) ([]string, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	x.mu.RLock()
	for _, b := range box.Split() {
		x.tree.Search([2]float64{b.MinLng, b.MinLat}, [2]float64{b.MaxLng, b.MaxLat},
			func(_, _ [2]float64, id string) bool {
				seen[id] = struct{}{}
				return true
			})
	}
	x.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SortHits orders hits by ascending distance, then id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].ID < hits[j].ID
	})
}

// dedupeHits drops repeats from sorted hits; points on the antimeridian can match
// both halves of a split box.
func dedupeHits(hits []Hit) []Hit {
	if len(hits) < 2 {
		return hits
	}
	seen := make(map[string]struct{}, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}
