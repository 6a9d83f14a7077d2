// Package observability defines the Prometheus metrics shared by every component.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "outage_engine"

// Metrics holds the Prometheus counters, histograms, and gauges for the outage engine.
type Metrics struct {
	// Write path.
	ReportsSubmitted *prometheus.CounterVec // labels: outcome={created,merged,rejected}
	SignalsRecorded  *prometheus.CounterVec // labels: kind={confirm,dispute,retract}, outcome={recorded,duplicate,rejected}
	Transitions      *prometheus.CounterVec // labels: from, to, reason
	ConflictRetries  prometheus.Counter
	EventPublishErrs *prometheus.CounterVec // labels: event
	RegionLockWait   prometheus.Histogram
	RecipientLookups *prometheus.CounterVec // labels: outcome={ok,error}

	// Read path.
	QueryDuration *prometheus.HistogramVec // labels: kind={nearby,bounds}
	QueryDegraded *prometheus.CounterVec   // labels: kind, fallback={store,cache,empty}
	IndexedPoints prometheus.Gauge
	IndexSyncs    *prometheus.CounterVec // labels: outcome={ok,error}
	IndexChanges  prometheus.Counter

	// Report ingestion from Kafka.
	MessagesConsumed        prometheus.Counter
	IngestErrors            prometheus.Counter
	IngestRunning           prometheus.Gauge
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReportsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_submitted_total",
			Help:      "Reports submitted by outcome.",
		}, []string{"outcome"}),
		SignalsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Confirmation, dispute, and retraction calls by outcome.",
		}, []string{"kind", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Outage lifecycle transitions.",
		}, []string{"from", "to", "reason"}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Compare-and-swap attempts lost to a concurrent writer.",
		}),
		EventPublishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Events that could not be handed to the notification sink.",
		}, []string{"event"}),
		RegionLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_lock_wait_seconds",
			Help:      "Time spent waiting for merge region locks.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query service latency by query kind.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 3},
		}, []string{"kind"}),
		QueryDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_degraded_total",
			Help:      "Queries answered from a fallback source.",
		}, []string{"kind", "fallback"}),
		IndexedPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geo_index_points",
			Help:      "Active outages held in the in-memory geo index.",
		}),
		RecipientLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipient_lookups_total",
			Help:      "Notification recipient lookups by outcome.",
		}, []string{"outcome"}),
		IndexSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_index_syncs_total",
			Help:      "Geo index change feed polls by outcome.",
		}, []string{"outcome"}),
		IndexChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_index_changes_applied_total",
			Help:      "Outage changes applied to the geo index from the store's change feed.",
		}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_consumed_total",
			Help:      "Total report messages read from the ingest topic.",
		}),
		IngestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Report messages skipped as malformed or invalid.",
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_running",
			Help:      "1 when report ingestion is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_duration_seconds",
			Help:      "Duration of a complete ingest batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when geocoding enrichment is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReportsSubmitted,
		m.SignalsRecorded,
		m.Transitions,
		m.ConflictRetries,
		m.EventPublishErrs,
		m.RegionLockWait,
		m.RecipientLookups,
		m.QueryDuration,
		m.QueryDegraded,
		m.IndexedPoints,
		m.IndexSyncs,
		m.IndexChanges,
		m.MessagesConsumed,
		m.IngestErrors,
		m.IngestRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
