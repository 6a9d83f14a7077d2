package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// ReportOutcome tells the caller which outage a report landed on.
type ReportOutcome struct {
	OutageID string `json:"outage_id"`
	Created  bool   `json:"created"`
}

// Aggregator clusters incoming reports into canonical outages.
type Aggregator struct {
	*core
	verifier *Verifier
}

// SubmitReport merges r into the nearest eligible active outage or creates a new one.
// Invalid input fails with domain.ErrInvalidArgument before anything is written.
func (a *Aggregator) SubmitReport(ctx context.Context, r domain.Report) (ReportOutcome, error) {
	if err := a.validateReport(ctx, r); err != nil {
		a.Metrics.ReportsSubmitted.WithLabelValues("rejected").Inc()
		return ReportOutcome{}, err
	}

	// Geocode outside the region lock; the lookup is a network call and only
	// matters when the report ends up creating an outage.
	if _, found, err := a.findCandidate(ctx, r, a.Clock.Now()); err == nil && !found {
		r = domain.EnrichWithGeocoding(ctx, r, a.Geocoder, a.Logger)
	}

	lockStart := time.Now()
	unlock, err := a.Store.LockRegions(ctx, RegionKeys(r.Location, a.Policy.MergeRadiusMeters))
	if err != nil {
		return ReportOutcome{}, fmt.Errorf("lock merge region: %w", err)
	}
	defer unlock()
	a.Metrics.RegionLockWait.Observe(time.Since(lockStart).Seconds())

	ctx, cancel := detach(ctx)
	defer cancel()

	now := a.Clock.Now()
	candidate, found, err := a.findCandidate(ctx, r, now)
	if err != nil {
		return ReportOutcome{}, err
	}
	if found {
		_, err := a.verifier.confirm(ctx, candidate.ID, r.ReporterID, r.Severity)
		switch {
		case err == nil:
			a.Metrics.ReportsSubmitted.WithLabelValues("merged").Inc()
			a.Logger.Debug("report merged", "outage_id", candidate.ID, "reporter_id", r.ReporterID)
			return ReportOutcome{OutageID: candidate.ID}, nil
		case errors.Is(err, domain.ErrInvalidState):
			// The candidate left active after it was picked; this is a fresh incident.
		default:
			return ReportOutcome{}, fmt.Errorf("merge report into %s: %w", candidate.ID, err)
		}
	}

	o, err := a.create(ctx, r, now)
	if err != nil {
		return ReportOutcome{}, err
	}
	a.Metrics.ReportsSubmitted.WithLabelValues("created").Inc()
	a.Logger.Info("outage created",
		"outage_id", o.ID,
		"service_type", o.ServiceType,
		"severity", o.Severity,
	)
	return ReportOutcome{OutageID: o.ID, Created: true}, nil
}

func (a *Aggregator) validateReport(ctx context.Context, r domain.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ProviderID == "" {
		return nil
	}
	p, err := a.Store.GetProvider(ctx, r.ProviderID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidArgument, r.ProviderID)
	}
	if err != nil {
		return err
	}
	if p.ServiceType != r.ServiceType {
		return fmt.Errorf("%w: provider %q serves %s, not %s", domain.ErrInvalidArgument, p.ID, p.ServiceType, r.ServiceType)
	}
	return nil
}

// findCandidate returns the nearest active outage of the report's service type
// within the merge radius whose merge window is still open. Ties on distance go to
// the earliest reported outage.
func (a *Aggregator) findCandidate(ctx context.Context, r domain.Report, now time.Time) (domain.Outage, bool, error) {
	// The search reads the store, not the geo index: under the region locks it must
	// see outages another process committed a moment ago.
	hits, err := a.Store.QueryRadius(ctx, r.Location, a.Policy.MergeRadiusMeters)
	if err != nil {
		return domain.Outage{}, false, fmt.Errorf("search merge candidates: %w", err)
	}
	if len(hits) == 0 {
		return domain.Outage{}, false, nil
	}

	ids := make([]string, len(hits))
	dist := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		dist[h.ID] = h.DistanceMeters
	}
	outages, err := a.Store.GetOutages(ctx, ids)
	if err != nil {
		return domain.Outage{}, false, fmt.Errorf("load merge candidates: %w", err)
	}

	var best domain.Outage
	found := false
	for _, o := range outages {
		if o.Status != domain.StatusActive || o.ServiceType != r.ServiceType {
			continue
		}
		if now.After(o.ReportedAt.Add(a.Policy.MergeWindow)) {
			continue
		}
		if !found || closer(o, best, dist) {
			best, found = o, true
		}
	}
	return best, found, nil
}

func closer(o, best domain.Outage, dist map[string]float64) bool {
	if dist[o.ID] != dist[best.ID] {
		return dist[o.ID] < dist[best.ID]
	}
	if !o.ReportedAt.Equal(best.ReportedAt) {
		return o.ReportedAt.Before(best.ReportedAt)
	}
	return o.ID < best.ID
}

func (a *Aggregator) create(ctx context.Context, r domain.Report, now time.Time) (domain.Outage, error) {
	o := domain.Outage{
		ID:                   a.newID(),
		ProviderID:           r.ProviderID,
		ServiceType:          r.ServiceType,
		Severity:             r.Severity,
		OriginalSeverity:     r.Severity,
		Status:               domain.StatusActive,
		Location:             r.Location,
		Address:              r.Address,
		ZipCode:              r.ZipCode,
		City:                 r.City,
		State:                r.State,
		Description:          r.Description,
		ReportedBy:           r.ReporterID,
		ReportedAt:           now,
		EstimatedRestoration: r.EstimatedRestoration,
		VerificationCount:    1,
		IsVerified:           a.Policy.verified(1),
		LastConfirmedAt:      now,
		Metadata:             r.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
		Version:              1,
	}
	first := domain.Signal{
		ID:       a.newID(),
		OutageID: o.ID,
		UserID:   r.ReporterID,
		Kind:     domain.SignalConfirm,
		At:       now,
	}
	if err := a.Store.InsertOutage(ctx, o, first); err != nil {
		return domain.Outage{}, fmt.Errorf("insert outage: %w", err)
	}

	a.indexInsert(ctx, o)
	a.publishCreated(ctx, o)
	return o, nil
}
