package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

// Recipients resolves which users should hear about an outage. A user matches when
// they saved the outage's provider or saved a location whose radius covers it, and
// their notification settings accept the outage's service type. Only users with a
// push subscription are considered.
type Recipients struct {
	*core
}

// ForOutage returns the recipients for the outage with id, in any status.
func (r *Recipients) ForOutage(ctx context.Context, id string) ([]string, error) {
	o, err := r.Store.GetOutage(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, o, "")
}

// resolve returns matching user IDs sorted, leaving out exclude.
func (r *Recipients) resolve(ctx context.Context, o domain.Outage, exclude string) ([]string, error) {
	box := geo.Around(o.Location, maxNotifyRadius)
	candidates, err := r.Store.NotificationCandidates(ctx, o.ProviderID, box)
	if err != nil {
		return nil, fmt.Errorf("notification candidates: %w", err)
	}

	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, p := range candidates {
		if p.UserID == "" || p.UserID == exclude {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		if !p.Notifications.Accepts(o.ServiceType) {
			continue
		}
		if !p.FollowsProvider(o.ProviderID) && !r.nearSavedLocation(p, o.Location) {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p.UserID)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Recipients) nearSavedLocation(p domain.UserPreferences, at domain.Point) bool {
	for _, loc := range p.SavedLocations {
		if geo.Distance(loc.Point, at) <= r.notifyRadius(loc) {
			return true
		}
	}
	return false
}

func (r *Recipients) notifyRadius(loc domain.SavedLocation) float64 {
	radius := loc.RadiusMeters
	if radius <= 0 || math.IsNaN(radius) {
		radius = r.Policy.NotifyRadiusMeters
	}
	return math.Min(radius, maxNotifyRadius)
}

// lookup resolves recipients for an event. Failures are logged and yield no
// recipients so the event is still published.
func (r *Recipients) lookup(ctx context.Context, o domain.Outage, exclude string) []string {
	users, err := r.resolve(ctx, o, exclude)
	if err != nil {
		r.Metrics.RecipientLookups.WithLabelValues("error").Inc()
		r.Logger.Warn("recipient lookup failed", "outage_id", o.ID, "error", err)
		return nil
	}
	r.Metrics.RecipientLookups.WithLabelValues("ok").Inc()
	return users
}
