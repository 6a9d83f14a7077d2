package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterOnFreshRegistry(t *testing.T) {
	m := NewMetricsForTesting()
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { reg.MustRegister(m.collectors()...) })

	m.ReportsSubmitted.WithLabelValues("created").Inc()
	m.ReportsSubmitted.WithLabelValues("created").Inc()
	assert.InDelta(t, 2, testutil.ToFloat64(m.ReportsSubmitted.WithLabelValues("created")), 0)
}
