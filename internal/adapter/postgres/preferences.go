package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

// NotificationCandidates returns subscribed users who saved providerID or saved a
// location inside box, ordered by user ID. Wrapping boxes take one query per piece.
func (s *Store) NotificationCandidates(ctx context.Context, providerID string, box geo.Box) ([]domain.UserPreferences, error) {
	seen := make(map[string]struct{})
	var out []domain.UserPreferences
	for _, b := range box.Split() {
		rows, err := s.pool.Query(ctx, `SELECT p.user_id, p.saved_providers, p.saved_locations, p.notification_settings
			FROM user_preferences p
			WHERE EXISTS (SELECT 1 FROM push_subscriptions s WHERE s.user_id = p.user_id)
			  AND (($1 <> '' AND $1 = ANY(p.saved_providers))
			    OR EXISTS (SELECT 1 FROM jsonb_array_elements(p.saved_locations) l
			               WHERE (l->>'lat')::double precision BETWEEN $2 AND $3
			                 AND (l->>'lng')::double precision BETWEEN $4 AND $5))`,
			providerID, b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
		if err != nil {
			return nil, fmt.Errorf("notification candidates: %w", classify(err))
		}
		prefs, err := pgx.CollectRows(rows, scanPreferences)
		if err != nil {
			return nil, fmt.Errorf("notification candidates: %w", classify(err))
		}
		for _, p := range prefs {
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func scanPreferences(r pgx.CollectableRow) (domain.UserPreferences, error) {
	var (
		p                   domain.UserPreferences
		locations, settings []byte
	)
	if err := r.Scan(&p.UserID, &p.SavedProviders, &locations, &settings); err != nil {
		return domain.UserPreferences{}, err
	}
	if err := json.Unmarshal(locations, &p.SavedLocations); err != nil {
		return domain.UserPreferences{}, fmt.Errorf("decode saved locations for %s: %w", p.UserID, err)
	}
	if err := json.Unmarshal(settings, &p.Notifications); err != nil {
		return domain.UserPreferences{}, fmt.Errorf("decode notification settings for %s: %w", p.UserID, err)
	}
	return p, nil
}
