package engine

import (
	"errors"
	"time"
)

// Policy holds the tunable thresholds of the merge, verification, and lifecycle rules.
type Policy struct {
	MergeRadiusMeters     float64
	MergeWindow           time.Duration
	VerificationThreshold int
	ResolutionWindow      time.Duration
	StalenessPeriod       time.Duration
	DisputeRatio          float64
	DisputeMinSample      int
	QueryTimeout          time.Duration
	ConflictRetries       int

	// NotifyRadiusMeters applies to saved locations that carry no radius of their own.
	NotifyRadiusMeters float64
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MergeRadiusMeters:     500,
		MergeWindow:           2 * time.Hour,
		VerificationThreshold: 3,
		ResolutionWindow:      30 * time.Minute,
		StalenessPeriod:       6 * time.Hour,
		DisputeRatio:          0.5,
		DisputeMinSample:      3,
		QueryTimeout:          3 * time.Second,
		ConflictRetries:       3,
		NotifyRadiusMeters:    5000,
	}
}

// maxMergeRadius bounds the merge radius so a merge never locks more than a
// handful of grid cells.
const maxMergeRadius = 50_000

// maxNotifyRadius bounds both the default and any saved location's own radius.
const maxNotifyRadius = 50_000

// Validate rejects thresholds the engine cannot honor.
func (p Policy) Validate() error {
	switch {
	case p.MergeRadiusMeters <= 0 || p.MergeRadiusMeters > maxMergeRadius:
		return errors.New("merge radius must be between 0 and 50000 meters")
	case p.MergeWindow <= 0:
		return errors.New("merge window must be positive")
	case p.VerificationThreshold < 1:
		return errors.New("verification threshold must be at least 1")
	case p.ResolutionWindow <= 0:
		return errors.New("resolution window must be positive")
	case p.StalenessPeriod <= 0:
		return errors.New("staleness period must be positive")
	case p.DisputeRatio <= 0 || p.DisputeRatio >= 1:
		return errors.New("dispute ratio must be between 0 and 1")
	case p.DisputeMinSample < 1:
		return errors.New("dispute minimum sample must be at least 1")
	case p.QueryTimeout <= 0:
		return errors.New("query timeout must be positive")
	case p.ConflictRetries < 1:
		return errors.New("conflict retries must be at least 1")
	case p.NotifyRadiusMeters <= 0 || p.NotifyRadiusMeters > maxNotifyRadius:
		return errors.New("notify radius must be between 0 and 50000 meters")
	}
	return nil
}

// verified reports whether count meets the verification threshold.
func (p Policy) verified(count int) bool {
	return count >= p.VerificationThreshold
}

// overDisputed reports whether the signal mix crosses into disputed territory.
func (p Policy) overDisputed(confirmations, disputes int) bool {
	total := confirmations + disputes
	if total < p.DisputeMinSample || total == 0 {
		return false
	}
	return float64(disputes)/float64(total) > p.DisputeRatio
}
