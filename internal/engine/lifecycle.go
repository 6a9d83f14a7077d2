package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

// transitions lists every allowed status change.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusActive:   {domain.StatusResolved, domain.StatusDisputed},
	domain.StatusDisputed: {domain.StatusResolved},
}

func allowed(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const maxCommentLength = 2000

// errSkip aborts a transition whose precondition no longer holds.
var errSkip = errors.New("transition no longer applies")

func activeOnly(cur domain.Outage) error {
	if cur.Status != domain.StatusActive {
		return errSkip
	}
	return nil
}

// Lifecycle owns the outage state machine, comments, and history reads.
type Lifecycle struct {
	*core
}

// Get returns an outage in any status, resolved ones included.
func (l *Lifecycle) Get(ctx context.Context, outageID string) (domain.Outage, error) {
	if outageID == "" {
		return domain.Outage{}, fmt.Errorf("%w: outage id is required", domain.ErrInvalidArgument)
	}
	return l.Store.GetOutage(ctx, outageID)
}

// RecordComment appends a comment. A resolution comment on an active outage resolves
// it once another user has posted one within the resolution window.
func (l *Lifecycle) RecordComment(ctx context.Context, outageID, userID string, kind domain.CommentType, text string) (domain.Comment, error) {
	if err := requireIDs(outageID, userID); err != nil {
		return domain.Comment{}, err
	}
	kind, err := domain.ParseCommentType(string(kind))
	if err != nil {
		return domain.Comment{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Comment{}, fmt.Errorf("%w: comment text is required", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return domain.Comment{}, fmt.Errorf("%w: comment longer than %d characters", domain.ErrInvalidArgument, maxCommentLength)
	}

	o, err := l.Store.GetOutage(ctx, outageID)
	if err != nil {
		return domain.Comment{}, err
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	c := domain.Comment{
		ID:       l.newID(),
		OutageID: outageID,
		UserID:   userID,
		Text:     text,
		Type:     kind,
		At:       l.Clock.Now(),
	}
	if err := l.Store.AppendComment(ctx, c); err != nil {
		return domain.Comment{}, fmt.Errorf("append comment: %w", err)
	}

	if kind == domain.CommentResolution && o.Status == domain.StatusActive {
		if err := l.evaluateResolution(ctx, outageID, c.At); err != nil {
			// The comment is stored; the next resolution comment re-evaluates.
			l.Logger.Error("resolution evaluation failed", "outage_id", outageID, "error", err)
		}
	}
	return c, nil
}

// ListComments returns an outage's comments oldest first.
func (l *Lifecycle) ListComments(ctx context.Context, outageID string) ([]domain.Comment, error) {
	if _, err := l.Get(ctx, outageID); err != nil {
		return nil, err
	}
	return l.Store.ListComments(ctx, outageID)
}

func (l *Lifecycle) evaluateResolution(ctx context.Context, outageID string, at time.Time) error {
	users, err := l.Store.ResolutionClaimants(ctx, outageID, at.Add(-l.Policy.ResolutionWindow), at)
	if err != nil {
		return err
	}
	if len(users) < 2 {
		return nil
	}
	_, _, err = l.transition(ctx, outageID, domain.StatusResolved, domain.ReasonResolutionConsensus, at, activeOnly)
	return err
}

// ExpireStale resolves active outages that have gone without a confirmation for the
// staleness period. Outages created as complete never expire this way. It returns how many
// outages were resolved.
func (l *Lifecycle) ExpireStale(ctx context.Context) (int, error) {
	now := l.Clock.Now()
	cutoff := now.Add(-l.Policy.StalenessPeriod)
	stale, err := l.Store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale outages: %w", err)
	}

	expired := 0
	var errs []error
	for _, o := range stale {
		if ctx.Err() != nil {
			break
		}
		at := o.LastConfirmedAt.Add(l.Policy.StalenessPeriod)
		_, changed, err := l.transition(ctx, o.ID, domain.StatusResolved, domain.ReasonStale, at, func(cur domain.Outage) error {
			if cur.Status != domain.StatusActive || !cur.AutoExpires() || cur.LastConfirmedAt.After(cutoff) {
				return errSkip
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", o.ID, err))
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		l.Logger.Info("stale outages expired", "count", expired)
	}
	return expired, errors.Join(errs...)
}

// ResolveDisputed is the moderation action that closes a disputed outage.
func (l *Lifecycle) ResolveDisputed(ctx context.Context, outageID, actor string) (domain.Outage, error) {
	if err := requireIDs(outageID, actor); err != nil {
		return domain.Outage{}, err
	}
	o, changed, err := l.transition(ctx, outageID, domain.StatusResolved, domain.ReasonModeration, l.Clock.Now(), func(cur domain.Outage) error {
		if cur.Status != domain.StatusDisputed {
			return fmt.Errorf("%w: outage %s is %s, not disputed", domain.ErrInvalidState, outageID, cur.Status)
		}
		return nil
	})
	if err != nil {
		return domain.Outage{}, err
	}
	if changed {
		l.Logger.Info("disputed outage resolved by moderator", "outage_id", outageID, "actor", actor)
	}
	return o, nil
}

// transition moves an outage to status `to` at time at under compare-and-swap. guard
// sees the current row and may veto with errSkip (no change, no error) or any other
// error. It reports whether this call performed the change.
func (l *Lifecycle) transition(ctx context.Context, outageID string, to domain.Status, reason string, at time.Time, guard func(domain.Outage) error) (domain.Outage, bool, error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	var (
		from    domain.Status
		result  domain.Outage
		changed bool
	)
	err := l.retryConflicts(ctx, "transition", func(ctx context.Context) error {
		o, err := l.Store.GetOutage(ctx, outageID)
		if err != nil {
			return err
		}
		result, changed = o, false
		if o.Status == to {
			return nil
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}
		if !allowed(o.Status, to) {
			return fmt.Errorf("%w: outage %s cannot go from %s to %s", domain.ErrInvalidState, outageID, o.Status, to)
		}

		from = o.Status
		o.Status = to
		o.UpdatedAt = l.Clock.Now()
		if to == domain.StatusResolved {
			resolvedAt := at
			o.ResolvedAt = &resolvedAt
		}
		committed, err := l.Store.CommitOutage(ctx, o, nil)
		if err != nil {
			return err
		}
		result, changed = committed, true
		return nil
	})
	if errors.Is(err, errSkip) {
		return result, false, nil
	}
	if err != nil {
		return domain.Outage{}, false, err
	}
	if changed {
		l.afterTransition(ctx, from, result, reason, at)
	}
	return result, changed, nil
}

// afterTransition runs the side effects of a committed status change: leaving active
// drops the point from the geo index, and every change is announced.
func (l *Lifecycle) afterTransition(ctx context.Context, from domain.Status, o domain.Outage, reason string, at time.Time) {
	if from == domain.StatusActive {
		l.indexRemove(ctx, o.ID)
	}
	l.Metrics.Transitions.WithLabelValues(string(from), string(o.Status), reason).Inc()
	l.Logger.Info("outage status changed",
		"outage_id", o.ID,
		"from", from,
		"to", o.Status,
		"reason", reason,
	)
	l.publishTransition(ctx, o, domain.LifecycleEvent{
		OutageID:   o.ID,
		FromStatus: from,
		ToStatus:   o.Status,
		Reason:     reason,
		Timestamp:  at,
	})
}
