package memory

import (
	"context"
	"sort"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

// SetPreferences replaces a user's preferences. The account service owns these in
// production; the memory store takes them directly for development and tests.
func (s *Store) SetPreferences(p domain.UserPreferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.SavedProviders = append([]string(nil), p.SavedProviders...)
	p.SavedLocations = append([]domain.SavedLocation(nil), p.SavedLocations...)
	p.Notifications.ServiceTypes = append([]domain.ServiceType(nil), p.Notifications.ServiceTypes...)
	s.preferences[p.UserID] = p
}

// AddPushSubscription registers a push endpoint for sub.UserID.
func (s *Store) AddPushSubscription(sub domain.PushSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = append(s.subscriptions[sub.UserID], sub)
}

// NotificationCandidates returns subscribed users who saved providerID or saved a
// location inside box, ordered by user ID.
func (s *Store) NotificationCandidates(_ context.Context, providerID string, box geo.Box) ([]domain.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UserPreferences
	for userID, p := range s.preferences {
		if len(s.subscriptions[userID]) == 0 {
			continue
		}
		if p.FollowsProvider(providerID) || savedInside(p.SavedLocations, box) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func savedInside(locs []domain.SavedLocation, box geo.Box) bool {
	for _, loc := range locs {
		if box.Contains(loc.Point) {
			return true
		}
	}
	return false
}
