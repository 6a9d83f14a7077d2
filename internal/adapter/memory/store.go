// Package memory is an in-process Store for development, tests, and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

type signalKey struct {
	outageID string
	userID   string
}

type confirmation struct {
	id        string
	at        time.Time
	retracted bool
}

// Store keeps every table in maps guarded by one mutex. Region locks are
// channel-based so waiters can give up when their context ends.
type Store struct {
	mu            sync.RWMutex
	outages       map[string]domain.Outage
	confirmations map[signalKey]*confirmation
	disputes      map[signalKey]domain.Signal
	comments      map[string][]domain.Comment
	providers     map[string]domain.Provider
	preferences   map[string]domain.UserPreferences
	subscriptions map[string][]domain.PushSubscription
	active        *geo.RTreeIndex

	// changeSeq numbers outage writes; changed holds each outage's latest number.
	changeSeq int64
	changed   map[string]int64

	locksMu sync.Mutex
	locks   map[int64]chan struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		outages:       make(map[string]domain.Outage),
		confirmations: make(map[signalKey]*confirmation),
		disputes:      make(map[signalKey]domain.Signal),
		comments:      make(map[string][]domain.Comment),
		providers:     make(map[string]domain.Provider),
		preferences:   make(map[string]domain.UserPreferences),
		subscriptions: make(map[string][]domain.PushSubscription),
		active:        geo.NewRTreeIndex(),
		changed:       make(map[string]int64),
		locks:         make(map[int64]chan struct{}),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// InsertOutage stores o at version 1 with the reporter's confirmation.
func (s *Store) InsertOutage(ctx context.Context, o domain.Outage, first domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outages[o.ID]; ok {
		return fmt.Errorf("%w: outage %s already exists", domain.ErrConflict, o.ID)
	}
	o.Version = 1
	s.outages[o.ID] = clone(o)
	s.confirmations[signalKey{o.ID, first.UserID}] = &confirmation{id: first.ID, at: first.At}
	s.recordChange(o.ID)
	if o.Status == domain.StatusActive {
		return s.active.Insert(ctx, o.ID, o.Location)
	}
	return nil
}

// GetOutage returns the outage or domain.ErrNotFound.
func (s *Store) GetOutage(_ context.Context, id string) (domain.Outage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outages[id]
	if !ok {
		return domain.Outage{}, fmt.Errorf("%w: outage %s", domain.ErrNotFound, id)
	}
	return clone(o), nil
}

// GetOutages returns the outages found among ids, in order.
func (s *Store) GetOutages(_ context.Context, ids []string) ([]domain.Outage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Outage, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.outages[id]; ok {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

// CommitOutage applies a version-checked write plus an optional signal atomically.
func (s *Store) CommitOutage(ctx context.Context, o domain.Outage, sig *domain.Signal) (domain.Outage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.outages[o.ID]
	if !ok {
		return domain.Outage{}, fmt.Errorf("%w: outage %s", domain.ErrNotFound, o.ID)
	}
	if cur.Version != o.Version {
		return domain.Outage{}, domain.ErrVersionConflict
	}
	if sig != nil {
		if err := s.applySignal(*sig); err != nil {
			return domain.Outage{}, err
		}
	}

	o.Version = cur.Version + 1
	s.outages[o.ID] = clone(o)
	s.recordChange(o.ID)
	if cur.Status == domain.StatusActive && o.Status != domain.StatusActive {
		if err := s.active.Remove(ctx, o.ID); err != nil {
			return domain.Outage{}, err
		}
	}
	return clone(o), nil
}

func (s *Store) applySignal(sig domain.Signal) error {
	key := signalKey{sig.OutageID, sig.UserID}
	switch sig.Kind {
	case domain.SignalConfirm:
		c, ok := s.confirmations[key]
		if ok && !c.retracted {
			return domain.ErrDuplicateSignal
		}
		s.confirmations[key] = &confirmation{id: sig.ID, at: sig.At}
	case domain.SignalDispute:
		if _, ok := s.disputes[key]; ok {
			return domain.ErrDuplicateSignal
		}
		s.disputes[key] = sig
	case domain.SignalRetract:
		c, ok := s.confirmations[key]
		if !ok || c.retracted {
			return domain.ErrDuplicateSignal
		}
		c.retracted = true
	default:
		return fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidArgument, sig.Kind)
	}
	return nil
}

// HasSignal reports whether the user holds an active signal of kind.
func (s *Store) HasSignal(_ context.Context, outageID, userID string, kind domain.SignalKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := signalKey{outageID, userID}
	switch kind {
	case domain.SignalConfirm:
		c, ok := s.confirmations[key]
		return ok && !c.retracted, nil
	case domain.SignalDispute:
		_, ok := s.disputes[key]
		return ok, nil
	default:
		return false, fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidArgument, kind)
	}
}

// ActiveConfirmations counts non-retracted confirmations of an outage.
func (s *Store) ActiveConfirmations(outageID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, c := range s.confirmations {
		if k.outageID == outageID && !c.retracted {
			n++
		}
	}
	return n
}

// ListStale returns active outages that auto-expire and were last confirmed at or before cutoff.
func (s *Store) ListStale(_ context.Context, cutoff time.Time) ([]domain.Outage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Outage
	for _, o := range s.outages {
		if o.Status == domain.StatusActive && o.AutoExpires() && !o.LastConfirmedAt.After(cutoff) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActivePoints lists every active outage location.
func (s *Store) ActivePoints(_ context.Context) ([]geo.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]geo.Entry, 0, len(s.outages))
	for _, o := range s.outages {
		if o.Status == domain.StatusActive {
			out = append(out, geo.Entry{ID: o.ID, Point: o.Location})
		}
	}
	return out, nil
}

func (s *Store) recordChange(id string) {
	s.changeSeq++
	s.changed[id] = s.changeSeq
}

// ChangeCursor returns the number of the latest outage write.
func (s *Store) ChangeCursor(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changeSeq, nil
}

// ChangesSince returns the current state of every outage written after cursor.
func (s *Store) ChangesSince(_ context.Context, cursor int64) ([]geo.Change, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type numbered struct {
		seq    int64
		change geo.Change
	}
	var pending []numbered
	for id, seq := range s.changed {
		if seq <= cursor {
			continue
		}
		o := s.outages[id]
		pending = append(pending, numbered{seq, geo.Change{ID: id, Point: o.Location, Active: o.Status == domain.StatusActive}})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	out := make([]geo.Change, len(pending))
	for i, p := range pending {
		out[i] = p.change
	}
	return out, s.changeSeq, nil
}

// QueryRadius searches active outages.
func (s *Store) QueryRadius(ctx context.Context, center domain.Point, radiusMeters float64) ([]geo.Hit, error) {
	return s.active.QueryRadius(ctx, center, radiusMeters)
}

// QueryBounds searches active outages.
func (s *Store) QueryBounds(ctx context.Context, box geo.Box) ([]string, error) {
	return s.active.QueryBounds(ctx, box)
}

// AppendComment stores c.
func (s *Store) AppendComment(_ context.Context, c domain.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outages[c.OutageID]; !ok {
		return fmt.Errorf("%w: outage %s", domain.ErrNotFound, c.OutageID)
	}
	s.comments[c.OutageID] = append(s.comments[c.OutageID], c)
	return nil
}

// ListComments returns comments oldest first.
func (s *Store) ListComments(_ context.Context, outageID string) ([]domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.Comment(nil), s.comments[outageID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// ResolutionClaimants returns distinct users with resolution comments in [from, to].
func (s *Store) ResolutionClaimants(_ context.Context, outageID string, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range s.comments[outageID] {
		if c.Type != domain.CommentResolution || c.At.Before(from) || c.At.After(to) {
			continue
		}
		seen[c.UserID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// UpsertProvider creates or replaces a provider, keeping its creation time.
func (s *Store) UpsertProvider(_ context.Context, p domain.Provider) (domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.providers[p.ID]; ok {
		p.CreatedAt = cur.CreatedAt
	}
	s.providers[p.ID] = p
	return p, nil
}

// GetProvider returns the provider or domain.ErrNotFound.
func (s *Store) GetProvider(_ context.Context, id string) (domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return domain.Provider{}, fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// ListProviders returns providers ordered by name.
func (s *Store) ListProviders(_ context.Context) ([]domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LockRegions acquires keys in ascending order. If ctx ends first, keys already held
// are released.
func (s *Store) LockRegions(ctx context.Context, keys []int64) (func(), error) {
	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	held := make([]chan struct{}, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		ch := s.lockChan(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: waiting for region lock: %w", domain.ErrUnavailable, ctx.Err())
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (s *Store) lockChan(k int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[k] = ch
	}
	return ch
}

// clone copies the pointer and map fields so callers never share state with the store.
func clone(o domain.Outage) domain.Outage {
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		o.ResolvedAt = &t
	}
	if o.EstimatedRestoration != nil {
		t := *o.EstimatedRestoration
		o.EstimatedRestoration = &t
	}
	if o.Metadata != nil {
		m := make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			m[k] = v
		}
		o.Metadata = m
	}
	return o
}
