// Package domain models crowd-sourced utility outages.
//
// # Outages and reports
//
// A Report is one user's claim that a service (power, internet, cellular, other) is
// down at a point. Reports of the same service type that land close together in space
// and time describe the same real incident, so they are merged into a single canonical
// Outage rather than stored as separate pins. The merge radius and window are policy
// knobs owned by the engine package.
//
// Severity ordering:
//
//	complete > degraded > intermittent
//
// A merged report can raise an outage's severity but never lower it.
//
// # Crowd signals
//
// Users confirm ("still happening") or dispute ("not happening") an outage. Each user
// holds at most one active confirmation per outage; confirmations can be retracted and
// later reactivated. The outage's verification_count is the number of active
// confirmations, including the reporter's own, and is_verified flips once that count
// reaches the configured verification threshold. Disputes never reduce the count; they
// feed a dispute ratio:
//
//	disputes / (confirmations + disputes)
//
// # Lifecycle
//
//	active ──(resolution consensus | staleness)──▶ resolved
//	active ──(dispute ratio)─────────────────────▶ disputed ──(moderation)──▶ resolved
//
// Resolved and disputed outages accept no further confirmations or disputes. They are
// never deleted; they drop out of map views but remain readable by ID.
//
// # Errors
//
// Every failure wraps one of ErrInvalidArgument, ErrNotFound, ErrInvalidState,
// ErrConflict, or ErrUnavailable. Use errors.Is or [KindOf] to classify.
package domain
