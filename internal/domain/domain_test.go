package domain

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	st, err := ParseServiceType("internet")
	require.NoError(t, err)
	assert.Equal(t, ServiceInternet, st)

	_, err = ParseServiceType("water")
	require.ErrorIs(t, err, ErrInvalidArgument)

	sev, err := ParseSeverity("degraded")
	require.NoError(t, err)
	assert.Equal(t, SeverityDegraded, sev)

	_, err = ParseSeverity("catastrophic")
	require.ErrorIs(t, err, ErrInvalidArgument)

	ct, err := ParseCommentType("")
	require.NoError(t, err)
	assert.Equal(t, CommentUpdate, ct)

	_, err = ParseCommentType("rant")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMoreSevere(t *testing.T) {
	assert.Equal(t, SeverityComplete, MoreSevere(SeverityIntermittent, SeverityComplete))
	assert.Equal(t, SeverityComplete, MoreSevere(SeverityComplete, SeverityDegraded))
	assert.Equal(t, SeverityDegraded, MoreSevere(SeverityDegraded, SeverityIntermittent))
	assert.Equal(t, SeverityDegraded, MoreSevere(SeverityDegraded, SeverityDegraded))
}

func TestPointValidate(t *testing.T) {
	require.NoError(t, Point{Lat: 40, Lng: -74}.Validate())
	require.NoError(t, Point{Lat: -90, Lng: 180}.Validate())

	for _, p := range []Point{
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -180.5},
		{Lat: math.NaN(), Lng: 0},
		{Lat: 0, Lng: math.Inf(1)},
	} {
		assert.ErrorIs(t, p.Validate(), ErrInvalidArgument, "point %+v", p)
	}
}

func TestReportValidate(t *testing.T) {
	r := Report{ServiceType: ServicePower, Severity: SeverityComplete, Location: Point{Lat: 1, Lng: 1}, ReporterID: "u"}
	require.NoError(t, r.Validate())

	r.ReporterID = ""
	assert.ErrorIs(t, r.Validate(), ErrInvalidArgument)

	r.ReporterID = "u"
	r.ServiceType = "gas"
	assert.ErrorIs(t, r.Validate(), ErrInvalidArgument)
}

func TestDisputeRatio(t *testing.T) {
	assert.Zero(t, Outage{}.DisputeRatio())
	o := Outage{VerificationCount: 3, DisputeCount: 4}
	assert.Equal(t, 7, o.Signals())
	assert.InDelta(t, 4.0/7.0, o.DisputeRatio(), 1e-9)
}

func TestAutoExpires(t *testing.T) {
	assert.True(t, Outage{Severity: SeverityComplete, OriginalSeverity: SeverityIntermittent}.AutoExpires())
	assert.False(t, Outage{Severity: SeverityComplete, OriginalSeverity: SeverityComplete}.AutoExpires())
	assert.True(t, Outage{Severity: SeverityDegraded}.AutoExpires())
	assert.False(t, Outage{Severity: SeverityComplete}.AutoExpires(), "falls back to current severity")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "not_found", KindOf(fmt.Errorf("outage x: %w", ErrNotFound)))
	assert.Equal(t, "conflict", KindOf(ErrVersionConflict))
	assert.Equal(t, "internal", KindOf(fmt.Errorf("boom")))
	assert.Empty(t, KindOf(nil))
}
