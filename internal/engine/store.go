package engine

import (
	"context"
	"time"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

// Store is the persistence collaborator. Implementations must make CommitOutage and
// InsertOutage atomic and must hold region locks across processes.
type Store interface {
	OutageStore
	CommentStore
	ProviderStore
	PreferenceStore
	RegionLocker

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// OutageStore persists outages and the confirmation/dispute rows behind their counters.
type OutageStore interface {
	// InsertOutage creates o at version 1 together with the reporter's confirmation.
	InsertOutage(ctx context.Context, o domain.Outage, first domain.Signal) error

	// GetOutage returns the outage in any status, or domain.ErrNotFound.
	GetOutage(ctx context.Context, id string) (domain.Outage, error)

	// GetOutages returns the outages that exist among ids, in the order given.
	GetOutages(ctx context.Context, ids []string) ([]domain.Outage, error)

	// CommitOutage writes o if the stored version still equals o.Version and, in
	// the same transaction, applies sig when non-nil: a confirm inserts or
	// reactivates the user's confirmation, a dispute inserts a dispute row, and a
	// retract marks the active confirmation retracted. It returns the stored
	// outage with its new version, domain.ErrVersionConflict when another writer
	// won, or domain.ErrDuplicateSignal when sig would not change anything.
	CommitOutage(ctx context.Context, o domain.Outage, sig *domain.Signal) (domain.Outage, error)

	// HasSignal reports whether the user holds an active signal of kind on the outage.
	HasSignal(ctx context.Context, outageID, userID string, kind domain.SignalKind) (bool, error)

	// ListStale returns active outages not created as complete whose last
	// confirmation is at or before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.Outage, error)

	// ActivePoints lists the location of every active outage.
	ActivePoints(ctx context.Context) ([]geo.Entry, error)

	// ChangeCursor and ChangesSince are the write feed each process's geo index
	// follows to see outages created or closed by other processes.
	ChangeCursor(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, cursor int64) ([]geo.Change, int64, error)

	// QueryRadius and QueryBounds answer spatial predicates over active outages
	// straight from durable state.
	QueryRadius(ctx context.Context, center domain.Point, radiusMeters float64) ([]geo.Hit, error)
	QueryBounds(ctx context.Context, box geo.Box) ([]string, error)
}

// CommentStore persists append-only outage comments.
type CommentStore interface {
	AppendComment(ctx context.Context, c domain.Comment) error
	ListComments(ctx context.Context, outageID string) ([]domain.Comment, error)

	// ResolutionClaimants returns the distinct users who posted a resolution
	// comment on the outage within [from, to].
	ResolutionClaimants(ctx context.Context, outageID string, from, to time.Time) ([]string, error)
}

// ProviderStore persists provider reference data.
type ProviderStore interface {
	UpsertProvider(ctx context.Context, p domain.Provider) (domain.Provider, error)
	GetProvider(ctx context.Context, id string) (domain.Provider, error)
	ListProviders(ctx context.Context) ([]domain.Provider, error)
}

// PreferenceStore reads user preferences owned by the account service.
type PreferenceStore interface {
	// NotificationCandidates returns the preferences of users holding at least
	// one push subscription who either saved providerID or saved a location
	// inside box. Callers apply the exact radius test.
	NotificationCandidates(ctx context.Context, providerID string, box geo.Box) ([]domain.UserPreferences, error)
}

// RegionLocker serializes merge decisions for overlapping areas across processes.
type RegionLocker interface {
	// LockRegions blocks until every key is held, acquiring them in ascending
	// order. The returned func releases them.
	LockRegions(ctx context.Context, keys []int64) (func(), error)
}
