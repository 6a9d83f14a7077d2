package domain

// SavedLocation is a place a user follows. A zero RadiusMeters means the engine's
// default notification radius.
type SavedLocation struct {
	Name string `json:"name,omitempty"`
	Point
	RadiusMeters float64 `json:"radius_meters,omitempty"`
}

// NotificationSettings narrow which outages a user hears about.
type NotificationSettings struct {
	Muted        bool          `json:"muted,omitempty"`
	ServiceTypes []ServiceType `json:"service_types,omitempty"`
}

// Accepts reports whether the settings let an outage of st through.
func (s NotificationSettings) Accepts(st ServiceType) bool {
	if s.Muted {
		return false
	}
	if len(s.ServiceTypes) == 0 {
		return true
	}
	for _, want := range s.ServiceTypes {
		if want == st {
			return true
		}
	}
	return false
}

// UserPreferences is maintained by the account service and only read here, to
// decide who is notified about an outage.
type UserPreferences struct {
	UserID         string               `json:"user_id"`
	SavedProviders []string             `json:"saved_providers,omitempty"`
	SavedLocations []SavedLocation      `json:"saved_locations,omitempty"`
	Notifications  NotificationSettings `json:"notification_settings"`
}

// FollowsProvider reports whether id is among the saved providers.
func (p UserPreferences) FollowsProvider(id string) bool {
	if id == "" {
		return false
	}
	for _, saved := range p.SavedProviders {
		if saved == id {
			return true
		}
	}
	return false
}

// PushSubscription is a registered web push endpoint. Delivery happens elsewhere;
// the engine only needs to know a user has one.
type PushSubscription struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}
