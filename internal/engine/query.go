package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

// Filter narrows query results. Zero values match everything.
type Filter struct {
	ServiceTypes []domain.ServiceType
	MinSeverity  domain.Severity
	VerifiedOnly bool
	ProviderID   string
}

// Validate rejects unknown enum values.
func (f Filter) Validate() error {
	for _, st := range f.ServiceTypes {
		if _, err := domain.ParseServiceType(string(st)); err != nil {
			return err
		}
	}
	if f.MinSeverity != "" {
		if _, err := domain.ParseSeverity(string(f.MinSeverity)); err != nil {
			return err
		}
	}
	return nil
}

// Match reports whether an active outage passes the filter.
func (f Filter) Match(o domain.Outage) bool {
	if o.Status != domain.StatusActive {
		return false
	}
	if len(f.ServiceTypes) > 0 {
		ok := false
		for _, st := range f.ServiceTypes {
			if st == o.ServiceType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinSeverity != "" && o.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.VerifiedOnly && !o.IsVerified {
		return false
	}
	if f.ProviderID != "" && o.ProviderID != f.ProviderID {
		return false
	}
	return true
}

func (f Filter) key() string {
	types := make([]string, len(f.ServiceTypes))
	for i, st := range f.ServiceTypes {
		types[i] = string(st)
	}
	sort.Strings(types)
	return fmt.Sprintf("%s|%s|%t|%s", strings.Join(types, ","), f.MinSeverity, f.VerifiedOnly, f.ProviderID)
}

// Snapshot is a read-only projection of an outage for map and feed clients.
type Snapshot struct {
	ID                   string             `json:"id"`
	ProviderID           string             `json:"provider_id,omitempty"`
	ServiceType          domain.ServiceType `json:"service_type"`
	Severity             domain.Severity    `json:"severity"`
	Status               domain.Status      `json:"status"`
	Location             domain.Point       `json:"location"`
	Address              string             `json:"address,omitempty"`
	City                 string             `json:"city,omitempty"`
	State                string             `json:"state,omitempty"`
	ZipCode              string             `json:"zip_code,omitempty"`
	Description          string             `json:"description,omitempty"`
	ReportedAt           time.Time          `json:"reported_at"`
	EstimatedRestoration *time.Time         `json:"estimated_restoration,omitempty"`
	VerificationCount    int                `json:"verification_count"`
	IsVerified           bool               `json:"is_verified"`
	DisputeCount         int                `json:"dispute_count"`
	LastConfirmedAt      time.Time          `json:"last_confirmed_at"`
	DistanceMeters       *float64           `json:"distance_meters,omitempty"`
}

// NewSnapshot projects o. distance is nil for bounding-box results.
func NewSnapshot(o domain.Outage, distance *float64) Snapshot {
	return Snapshot{
		ID:                   o.ID,
		ProviderID:           o.ProviderID,
		ServiceType:          o.ServiceType,
		Severity:             o.Severity,
		Status:               o.Status,
		Location:             o.Location,
		Address:              o.Address,
		City:                 o.City,
		State:                o.State,
		ZipCode:              o.ZipCode,
		Description:          o.Description,
		ReportedAt:           o.ReportedAt,
		EstimatedRestoration: o.EstimatedRestoration,
		VerificationCount:    o.VerificationCount,
		IsVerified:           o.IsVerified,
		DisputeCount:         o.DisputeCount,
		LastConfirmedAt:      o.LastConfirmedAt,
		DistanceMeters:       distance,
	}
}

// Result is a query answer. Degraded is set when the answer came from the result
// cache or is empty because no source could answer in time.
type Result struct {
	Outages  []Snapshot `json:"outages"`
	Degraded bool       `json:"degraded"`
	Source   string     `json:"source"`
}

// Result sources.
const (
	SourceIndex = "index"
	SourceStore = "store"
	SourceCache = "cache"
	SourceNone  = "none"
)

// QueryService answers proximity and bounding-box queries. It performs no writes.
type QueryService struct {
	*core
	results *expirable.LRU[string, []Snapshot]
}

func newQueryService(c *core, size int, ttl time.Duration) *QueryService {
	if size <= 0 {
		size = 1024
	}
	return &QueryService{core: c, results: expirable.NewLRU[string, []Snapshot](size, nil, ttl)}
}

// Nearby returns active outages within radiusMeters of center, nearest first.
func (q *QueryService) Nearby(ctx context.Context, center domain.Point, radiusMeters float64, f Filter) (Result, error) {
	if err := geo.ValidateRadius(center, radiusMeters); err != nil {
		return Result{}, err
	}
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	key := fmt.Sprintf("nearby|%.5f|%.5f|%.0f|%s", center.Lat, center.Lng, radiusMeters, f.key())

	return q.run(ctx, "nearby", key, func(ctx context.Context, src geo.Index) ([]Snapshot, error) {
		hits, err := src.QueryRadius(ctx, center, radiusMeters)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		byID, err := q.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make([]Snapshot, 0, len(hits))
		for _, h := range hits {
			o, ok := byID[h.ID]
			if !ok || !f.Match(o) {
				continue
			}
			d := h.DistanceMeters
			out = append(out, NewSnapshot(o, &d))
		}
		return out, nil
	})
}

// InBounds returns active outages inside box, ordered by id.
func (q *QueryService) InBounds(ctx context.Context, box geo.Box, f Filter) (Result, error) {
	if err := box.Validate(); err != nil {
		return Result{}, err
	}
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	key := fmt.Sprintf("bounds|%.5f|%.5f|%.5f|%.5f|%s", box.MinLat, box.MinLng, box.MaxLat, box.MaxLng, f.key())

	return q.run(ctx, "bounds", key, func(ctx context.Context, src geo.Index) ([]Snapshot, error) {
		ids, err := src.QueryBounds(ctx, box)
		if err != nil {
			return nil, err
		}
		byID, err := q.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make([]Snapshot, 0, len(ids))
		for _, id := range ids {
			if o, ok := byID[id]; ok && f.Match(o) {
				out = append(out, NewSnapshot(o, nil))
			}
		}
		return out, nil
	})
}

type answerFunc func(ctx context.Context, src geo.Index) ([]Snapshot, error)

// run answers from the in-memory index, then from the store's own spatial query,
// then from the result cache. When nothing answers before the query timeout the
// result is empty and degraded rather than an error.
func (q *QueryService) run(ctx context.Context, kind, key string, answer answerFunc) (Result, error) {
	start := time.Now()
	defer func() {
		q.Metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	qctx, cancel := context.WithTimeout(ctx, q.Policy.QueryTimeout)
	defer cancel()

	sources := []struct {
		name string
		idx  geo.Index
	}{
		{SourceIndex, q.Index},
		{SourceStore, storeIndex{q.Store}},
	}
	var lastErr error
	for _, s := range sources {
		out, err := answer(qctx, s.idx)
		if err == nil {
			q.results.Add(key, out)
			if s.name != SourceIndex {
				q.Metrics.QueryDegraded.WithLabelValues(kind, s.name).Inc()
			}
			return Result{Outages: out, Source: s.name}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err
		if qctx.Err() != nil {
			break
		}
	}

	q.Logger.Warn("query degraded", "kind", kind, "error", lastErr)
	if out, ok := q.results.Get(key); ok {
		q.Metrics.QueryDegraded.WithLabelValues(kind, SourceCache).Inc()
		return Result{Outages: out, Degraded: true, Source: SourceCache}, nil
	}
	q.Metrics.QueryDegraded.WithLabelValues(kind, SourceNone).Inc()
	return Result{Outages: []Snapshot{}, Degraded: true, Source: SourceNone}, nil
}

func (q *QueryService) load(ctx context.Context, ids []string) (map[string]domain.Outage, error) {
	if len(ids) == 0 {
		return map[string]domain.Outage{}, nil
	}
	outages, err := q.Store.GetOutages(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Outage, len(outages))
	for _, o := range outages {
		byID[o.ID] = o
	}
	return byID, nil
}

// storeIndex adapts the store's spatial queries to geo.Index for the read fallback.
type storeIndex struct {
	store OutageStore
}

var errReadOnly = errors.New("store index is read-only")

func (s storeIndex) Insert(context.Context, string, domain.Point) error { return errReadOnly }
func (s storeIndex) Remove(context.Context, string) error               { return errReadOnly }

func (s storeIndex) QueryRadius(ctx context.Context, center domain.Point, radiusMeters float64) ([]geo.Hit, error) {
	return s.store.QueryRadius(ctx, center, radiusMeters)
}

func (s storeIndex) QueryBounds(ctx context.Context, box geo.Box) ([]string, error) {
	return s.store.QueryBounds(ctx, box)
}
