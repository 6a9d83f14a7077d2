package domain

import "time"

// Event type names used as message headers and subjects.
const (
	EventOutageCreated       = "outage.created"
	EventOutageStatusChanged = "outage.status_changed"
)

// Transition reasons carried on lifecycle events.
const (
	ReasonResolutionConsensus = "resolution_consensus"
	ReasonStale               = "stale"
	ReasonDisputeRatio        = "dispute_ratio"
	ReasonModeration          = "moderation"
)

// CreatedEvent announces a brand-new outage to the notification collaborator.
type CreatedEvent struct {
	OutageID    string      `json:"outage_id"`
	ServiceType ServiceType `json:"service_type"`
	Severity    Severity    `json:"severity"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	ProviderID  string      `json:"provider_id,omitempty"`
	ReportedAt  time.Time   `json:"reported_at"`

	// Recipients are the users whose preferences match the outage.
	Recipients []string `json:"recipients,omitempty"`
}

// LifecycleEvent announces a status transition.
type LifecycleEvent struct {
	OutageID   string    `json:"outage_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	Recipients []string  `json:"recipients,omitempty"`
}

// NewCreatedEvent projects an outage into its creation event.
func NewCreatedEvent(o Outage) CreatedEvent {
	return CreatedEvent{
		OutageID:    o.ID,
		ServiceType: o.ServiceType,
		Severity:    o.Severity,
		Lat:         o.Location.Lat,
		Lng:         o.Location.Lng,
		ProviderID:  o.ProviderID,
		ReportedAt:  o.ReportedAt,
	}
}
