package domain

import "fmt"

// ServiceType is the kind of utility service affected by an outage.
type ServiceType string

const (
	ServicePower    ServiceType = "power"
	ServiceInternet ServiceType = "internet"
	ServiceCellular ServiceType = "cellular"
	ServiceOther    ServiceType = "other"
)

// ParseServiceType validates a service type name.
func ParseServiceType(s string) (ServiceType, error) {
	switch st := ServiceType(s); st {
	case ServicePower, ServiceInternet, ServiceCellular, ServiceOther:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown service type %q", ErrInvalidArgument, s)
}

// Severity describes how badly service is affected.
type Severity string

const (
	SeverityComplete     Severity = "complete"
	SeverityDegraded     Severity = "degraded"
	SeverityIntermittent Severity = "intermittent"
)

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityComplete, SeverityDegraded, SeverityIntermittent:
		return sev, nil
	}
	return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidArgument, s)
}

// Rank orders severities: intermittent < degraded < complete. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityIntermittent:
		return 1
	case SeverityDegraded:
		return 2
	case SeverityComplete:
		return 3
	default:
		return 0
	}
}

// MoreSevere returns whichever of a and b ranks higher, preferring a on ties.
func MoreSevere(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status is an outage lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
	StatusDisputed Status = "disputed"
)

// Terminal reports whether the status no longer accepts confirmations or disputes.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDisputed
}

// CommentType classifies a user annotation.
type CommentType string

const (
	CommentUpdate     CommentType = "update"
	CommentResolution CommentType = "resolution"
	CommentEscalation CommentType = "escalation"
)

// ParseCommentType validates a comment type, defaulting empty input to update.
func ParseCommentType(s string) (CommentType, error) {
	if s == "" {
		return CommentUpdate, nil
	}
	switch ct := CommentType(s); ct {
	case CommentUpdate, CommentResolution, CommentEscalation:
		return ct, nil
	}
	return "", fmt.Errorf("%w: unknown comment type %q", ErrInvalidArgument, s)
}

// SignalKind distinguishes the crowd signals recorded against an outage.
type SignalKind string

const (
	SignalConfirm SignalKind = "confirm"
	SignalDispute SignalKind = "dispute"
	SignalRetract SignalKind = "retract"
)
