package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/outage-engine/internal/adapter/memory"
	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/geo"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// --- mocks ---

type recordingPublisher struct {
	mu          sync.Mutex
	created     []domain.CreatedEvent
	transitions []domain.LifecycleEvent
	err         error
}

func (p *recordingPublisher) PublishCreated(_ context.Context, e domain.CreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *recordingPublisher) PublishTransition(_ context.Context, e domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, e)
	return p.err
}

func (p *recordingPublisher) Transitions() []domain.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), p.transitions...)
}

func (p *recordingPublisher) Created() []domain.CreatedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CreatedEvent(nil), p.created...)
}

// flakyStore wraps the memory store and injects failures.
type flakyStore struct {
	*memory.Store
	failReads   atomic.Bool
	failCommits atomic.Bool
	failPrefs   atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (s *flakyStore) GetOutages(ctx context.Context, ids []string) ([]domain.Outage, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.GetOutages(ctx, ids)
}

func (s *flakyStore) QueryRadius(ctx context.Context, c domain.Point, r float64) ([]geo.Hit, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.QueryRadius(ctx, c, r)
}

func (s *flakyStore) QueryBounds(ctx context.Context, b geo.Box) ([]string, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.QueryBounds(ctx, b)
}

func (s *flakyStore) NotificationCandidates(ctx context.Context, providerID string, b geo.Box) ([]domain.UserPreferences, error) {
	if s.failPrefs.Load() {
		return nil, errStoreDown
	}
	return s.Store.NotificationCandidates(ctx, providerID, b)
}

func (s *flakyStore) CommitOutage(ctx context.Context, o domain.Outage, sig *domain.Signal) (domain.Outage, error) {
	if s.failCommits.Load() {
		return domain.Outage{}, domain.ErrVersionConflict
	}
	return s.Store.CommitOutage(ctx, o, sig)
}

type stubGeocoder struct {
	result domain.GeocodingResult
	calls  atomic.Int32
}

func (g *stubGeocoder) ReverseGeocode(context.Context, float64, float64) (domain.GeocodingResult, error) {
	g.calls.Add(1)
	return g.result, nil
}

// --- fixture ---

type fixture struct {
	engine *engine.Engine
	store  *flakyStore
	index  *geo.CachedIndex
	clock  *clockwork.FakeClock
	pub    *recordingPublisher
}

type option func(*engine.Deps)

func withPolicy(fn func(*engine.Policy)) option {
	return func(d *engine.Deps) { fn(&d.Policy) }
}

func withGeocoder(g domain.Geocoder) option {
	return func(d *engine.Deps) { d.Geocoder = g }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &flakyStore{Store: memory.New()}
	index := geo.NewCachedIndex(store, logger)
	require.NoError(t, index.Rebuild(context.Background()))

	clock := clockwork.NewFakeClockAt(t0)
	pub := &recordingPublisher{}
	deps := engine.Deps{
		Store:     store,
		Index:     index,
		Publisher: pub,
		Clock:     clock,
		Logger:    logger,
		Metrics:   observability.NewMetricsForTesting(),
		Policy:    engine.DefaultPolicy(),
	}
	for _, o := range opts {
		o(&deps)
	}
	e, err := engine.New(deps, 128, time.Minute)
	require.NoError(t, err)
	return &fixture{engine: e, store: store, index: index, clock: clock, pub: pub}
}

func report(st domain.ServiceType, sev domain.Severity, lat, lng float64, reporter string) domain.Report {
	return domain.Report{
		ServiceType: st,
		Severity:    sev,
		Location:    domain.Point{Lat: lat, Lng: lng},
		ReporterID:  reporter,
	}
}

func (f *fixture) submit(t *testing.T, r domain.Report) engine.ReportOutcome {
	t.Helper()
	out, err := f.engine.Aggregator.SubmitReport(context.Background(), r)
	require.NoError(t, err)
	return out
}

func (f *fixture) get(t *testing.T, id string) domain.Outage {
	t.Helper()
	o, err := f.engine.Lifecycle.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

// offsetNorth returns a point about meters north of p.
func offsetNorth(p domain.Point, meters float64) domain.Point {
	return domain.Point{Lat: p.Lat + meters/111195.0, Lng: p.Lng}
}

// peer builds a second engine on the same store and clock with its own geo index,
// standing in for another process of the same deployment.
func (f *fixture) peer(t *testing.T) (*engine.Engine, *geo.CachedIndex) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := geo.NewCachedIndex(f.store, logger)
	require.NoError(t, index.Rebuild(context.Background()))
	e, err := engine.New(engine.Deps{
		Store:     f.store,
		Index:     index,
		Publisher: &recordingPublisher{},
		Clock:     f.clock,
		Logger:    logger,
		Metrics:   observability.NewMetricsForTesting(),
		Policy:    engine.DefaultPolicy(),
	}, 128, time.Minute)
	require.NoError(t, err)
	return e, index
}
