package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// VerificationResult is the outage's crowd-signal state after a verification call.
type VerificationResult struct {
	OutageID          string        `json:"outage_id"`
	VerificationCount int           `json:"verification_count"`
	IsVerified        bool          `json:"is_verified"`
	DisputeCount      int           `json:"dispute_count"`
	Status            domain.Status `json:"status"`
}

func resultOf(o domain.Outage) VerificationResult {
	return VerificationResult{
		OutageID:          o.ID,
		VerificationCount: o.VerificationCount,
		IsVerified:        o.IsVerified,
		DisputeCount:      o.DisputeCount,
		Status:            o.Status,
	}
}

// Verifier records confirmations, disputes, and retractions against outages.
type Verifier struct {
	*core
	lifecycle *Lifecycle
}

// Confirm records that userID sees the outage ongoing. Repeat confirmations by the same
// user return the current state without counting again.
func (v *Verifier) Confirm(ctx context.Context, outageID, userID string) (VerificationResult, error) {
	if err := requireIDs(outageID, userID); err != nil {
		return VerificationResult{}, err
	}
	o, err := v.confirm(ctx, outageID, userID, "")
	if err != nil {
		return VerificationResult{}, err
	}
	return resultOf(o), nil
}

// Dispute records that userID says the outage is not happening. Disputes never lower
// the verification count; they feed the dispute ratio that can move the outage to
// disputed.
func (v *Verifier) Dispute(ctx context.Context, outageID, userID, reason string) (VerificationResult, error) {
	if err := requireIDs(outageID, userID); err != nil {
		return VerificationResult{}, err
	}
	o, err := v.mutate(ctx, "dispute", outageID, func(ctx context.Context, o *domain.Outage, now time.Time) (*domain.Signal, error) {
		has, err := v.Store.HasSignal(ctx, outageID, userID, domain.SignalDispute)
		if err != nil || has {
			return nil, err
		}
		o.DisputeCount++
		o.UpdatedAt = now
		v.flagDisputed(o)
		return &domain.Signal{ID: v.newID(), OutageID: outageID, UserID: userID, Kind: domain.SignalDispute, Reason: reason, At: now}, nil
	})
	if err != nil {
		v.Metrics.SignalsRecorded.WithLabelValues(string(domain.SignalDispute), "rejected").Inc()
		return VerificationResult{}, err
	}
	return resultOf(o), nil
}

// Retract withdraws userID's active confirmation. Retracting without an active
// confirmation is a no-op.
func (v *Verifier) Retract(ctx context.Context, outageID, userID string) (VerificationResult, error) {
	if err := requireIDs(outageID, userID); err != nil {
		return VerificationResult{}, err
	}
	o, err := v.mutate(ctx, "retract", outageID, func(ctx context.Context, o *domain.Outage, now time.Time) (*domain.Signal, error) {
		has, err := v.Store.HasSignal(ctx, outageID, userID, domain.SignalConfirm)
		if err != nil || !has {
			return nil, err
		}
		if o.VerificationCount > 0 {
			o.VerificationCount--
		}
		o.IsVerified = v.Policy.verified(o.VerificationCount)
		o.UpdatedAt = now
		v.flagDisputed(o)
		return &domain.Signal{ID: v.newID(), OutageID: outageID, UserID: userID, Kind: domain.SignalRetract, At: now}, nil
	})
	if err != nil {
		v.Metrics.SignalsRecorded.WithLabelValues(string(domain.SignalRetract), "rejected").Inc()
		return VerificationResult{}, err
	}
	return resultOf(o), nil
}

// confirm applies a confirmation and, for merged reports, reconciles severity upward.
// An empty severity leaves it unchanged.
func (v *Verifier) confirm(ctx context.Context, outageID, userID string, severity domain.Severity) (domain.Outage, error) {
	o, err := v.mutate(ctx, "confirm", outageID, func(ctx context.Context, o *domain.Outage, now time.Time) (*domain.Signal, error) {
		upgraded := false
		if next := domain.MoreSevere(o.Severity, severity); next != o.Severity {
			o.Severity = next
			o.UpdatedAt = now
			upgraded = true
		}
		has, err := v.Store.HasSignal(ctx, outageID, userID, domain.SignalConfirm)
		if err != nil {
			return nil, err
		}
		if has {
			if upgraded {
				return nil, errCommitOnly
			}
			return nil, nil
		}
		o.VerificationCount++
		o.IsVerified = v.Policy.verified(o.VerificationCount)
		o.LastConfirmedAt = now
		o.UpdatedAt = now
		return &domain.Signal{ID: v.newID(), OutageID: outageID, UserID: userID, Kind: domain.SignalConfirm, At: now}, nil
	})
	if err != nil {
		v.Metrics.SignalsRecorded.WithLabelValues(string(domain.SignalConfirm), "rejected").Inc()
		return domain.Outage{}, err
	}
	return o, nil
}

// flagDisputed moves an active outage to disputed once the signal mix crosses the
// dispute threshold. The transition commits with the signal that caused it.
func (v *Verifier) flagDisputed(o *domain.Outage) {
	if o.Status == domain.StatusActive && v.Policy.overDisputed(o.VerificationCount, o.DisputeCount) {
		o.Status = domain.StatusDisputed
	}
}

// errCommitOnly tells mutate to write the outage without recording a signal.
var errCommitOnly = errors.New("commit without signal")

// signalFunc edits o in place and returns the signal to record with it. A nil signal
// and nil error means the call changes nothing.
type signalFunc func(ctx context.Context, o *domain.Outage, now time.Time) (*domain.Signal, error)

// mutate runs a compare-and-swap loop: load, check status, apply fn, commit. Once the
// first attempt starts, the caller's cancellation is ignored so a signal is never
// half applied.
func (v *Verifier) mutate(ctx context.Context, op, outageID string, fn signalFunc) (domain.Outage, error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	var (
		before, after domain.Outage
		outcome       string
		transitioned  bool
	)
	err := v.retryConflicts(ctx, op, func(ctx context.Context) error {
		o, err := v.Store.GetOutage(ctx, outageID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: outage %s is %s", domain.ErrInvalidState, outageID, o.Status)
		}

		before, transitioned = o, false
		now := v.Clock.Now()
		sig, err := fn(ctx, &o, now)
		switch {
		case errors.Is(err, errCommitOnly):
			sig = nil
		case err != nil:
			return err
		case sig == nil:
			after, outcome = o, "duplicate"
			return nil
		}

		committed, err := v.Store.CommitOutage(ctx, o, sig)
		if errors.Is(err, domain.ErrDuplicateSignal) {
			// A concurrent call by the same user won; report the state it left.
			after, err = v.Store.GetOutage(ctx, outageID)
			outcome = "duplicate"
			return err
		}
		if err != nil {
			return err
		}
		after, outcome = committed, "recorded"
		transitioned = committed.Status != before.Status
		return nil
	})
	if err != nil {
		return domain.Outage{}, err
	}

	v.Metrics.SignalsRecorded.WithLabelValues(op, outcome).Inc()
	if transitioned {
		v.lifecycle.afterTransition(ctx, before.Status, after, domain.ReasonDisputeRatio, after.UpdatedAt)
	}
	return after, nil
}

func requireIDs(outageID, userID string) error {
	if outageID == "" {
		return fmt.Errorf("%w: outage id is required", domain.ErrInvalidArgument)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	return nil
}
