package domain

import (
	"fmt"
	"math"
	"time"
)

// Point is a WGS-84 latitude/longitude coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects non-finite or out-of-range coordinates.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidArgument)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %g out of range", ErrInvalidArgument, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %g out of range", ErrInvalidArgument, p.Lng)
	}
	return nil
}

// Provider is a utility or telecom company. Reference data, written by admins only.
type Provider struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	ServiceType       ServiceType `json:"service_type"`
	LogoURL           string      `json:"logo_url,omitempty"`
	OfficialStatusURL string      `json:"official_status_url,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Outage is the canonical, deduplicated incident that reports merge into.
type Outage struct {
	ID                   string         `json:"id"`
	ProviderID           string         `json:"provider_id,omitempty"`
	ServiceType          ServiceType    `json:"service_type"`
	Severity             Severity       `json:"severity"`
	OriginalSeverity     Severity       `json:"original_severity,omitempty"`
	Status               Status         `json:"status"`
	Location             Point          `json:"location"`
	Address              string         `json:"address,omitempty"`
	ZipCode              string         `json:"zip_code,omitempty"`
	City                 string         `json:"city,omitempty"`
	State                string         `json:"state,omitempty"`
	Description          string         `json:"description,omitempty"`
	ReportedBy           string         `json:"reported_by"`
	ReportedAt           time.Time      `json:"reported_at"`
	ResolvedAt           *time.Time     `json:"resolved_at,omitempty"`
	EstimatedRestoration *time.Time     `json:"estimated_restoration,omitempty"`
	VerificationCount    int            `json:"verification_count"`
	IsVerified           bool           `json:"is_verified"`
	DisputeCount         int            `json:"dispute_count"`
	LastConfirmedAt      time.Time      `json:"last_confirmed_at"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`

	// Version is bumped by every committed write and guards compare-and-swap updates.
	Version int64 `json:"-"`
}

// AutoExpires reports whether the outage may resolve through staleness. Only the
// severity it was created with counts; outages stored without one fall back to the
// current severity.
func (o Outage) AutoExpires() bool {
	sev := o.OriginalSeverity
	if sev == "" {
		sev = o.Severity
	}
	return sev != SeverityComplete
}

// Signals is the total number of confirmations and disputes recorded.
func (o Outage) Signals() int {
	return o.VerificationCount + o.DisputeCount
}

// DisputeRatio is disputes / (confirmations + disputes), or 0 with no signals.
func (o Outage) DisputeRatio() float64 {
	total := o.Signals()
	if total == 0 {
		return 0
	}
	return float64(o.DisputeCount) / float64(total)
}

// Signal is one user's confirmation, dispute, or confirmation retraction.
// A Confirmation in the data model is a Signal with Kind SignalConfirm.
type Signal struct {
	ID       string     `json:"id"`
	OutageID string     `json:"outage_id"`
	UserID   string     `json:"user_id"`
	Kind     SignalKind `json:"kind"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// Comment is an append-only annotation on an outage.
type Comment struct {
	ID       string      `json:"id"`
	OutageID string      `json:"outage_id"`
	UserID   string      `json:"user_id"`
	Text     string      `json:"comment"`
	Type     CommentType `json:"comment_type"`
	At       time.Time   `json:"created_at"`
}

// Report is a single user submission that either creates an outage or merges into one.
type Report struct {
	ServiceType          ServiceType    `json:"service_type"`
	Severity             Severity       `json:"severity"`
	Location             Point          `json:"location"`
	ReporterID           string         `json:"reporter_id"`
	Description          string         `json:"description,omitempty"`
	ProviderID           string         `json:"provider_id,omitempty"`
	Address              string         `json:"address,omitempty"`
	ZipCode              string         `json:"zip_code,omitempty"`
	City                 string         `json:"city,omitempty"`
	State                string         `json:"state,omitempty"`
	EstimatedRestoration *time.Time     `json:"estimated_restoration,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Validate checks enum values, coordinates, and the reporter identity.
func (r Report) Validate() error {
	if _, err := ParseServiceType(string(r.ServiceType)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(r.Severity)); err != nil {
		return err
	}
	if err := r.Location.Validate(); err != nil {
		return err
	}
	if r.ReporterID == "" {
		return fmt.Errorf("%w: reporter id is required", ErrInvalidArgument)
	}
	return nil
}

// HasAddress reports whether the submitter supplied any address detail.
func (r Report) HasAddress() bool {
	return r.Address != "" || r.City != "" || r.State != "" || r.ZipCode != ""
}
