package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/outage-engine/internal/engine"
)

// Event sinks selectable with EVENT_SINK.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkNATS  = "nats"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// DatabaseURL selects the Postgres store; empty runs on the in-memory store.
	DatabaseURL string

	EventSink         string
	KafkaBrokers      []string
	KafkaEventsTopic  string
	KafkaReportsTopic string
	KafkaGroupID      string
	NATSURL           string
	NATSStream        string

	// Report ingestion from KafkaReportsTopic.
	IngestEnabled      bool
	BatchSize          int
	BatchFlushInterval time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	// JWTSecret verifies bearer tokens; empty trusts the gateway's X-User-ID header.
	JWTSecret string

	Policy          engine.Policy
	QueryCacheSize  int
	QueryCacheTTL   time.Duration
	SweepInterval   time.Duration
	ReindexInterval time.Duration

	// IndexSyncInterval is how often the geo index polls the store's change feed;
	// IndexMaxLag is how long it may go without a successful poll before queries
	// bypass it. Zero disables either.
	IndexSyncInterval time.Duration
	IndexMaxLag       time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	mapboxTimeout := p.duration("MAPBOX_TIMEOUT", "5s")
	mapboxCacheSize := parseMapboxCacheSize()

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	policy := engine.DefaultPolicy()
	policy.MergeRadiusMeters = p.float("MERGE_RADIUS_METERS", policy.MergeRadiusMeters)
	policy.MergeWindow = p.duration("MERGE_WINDOW", policy.MergeWindow.String())
	policy.VerificationThreshold = p.integer("VERIFICATION_THRESHOLD", policy.VerificationThreshold)
	policy.ResolutionWindow = p.duration("RESOLUTION_WINDOW", policy.ResolutionWindow.String())
	policy.StalenessPeriod = p.duration("STALENESS_PERIOD", policy.StalenessPeriod.String())
	policy.DisputeRatio = p.float("DISPUTE_RATIO", policy.DisputeRatio)
	policy.DisputeMinSample = p.integer("DISPUTE_MIN_SAMPLE", policy.DisputeMinSample)
	policy.QueryTimeout = p.duration("QUERY_TIMEOUT", policy.QueryTimeout.String())
	policy.ConflictRetries = p.integer("CONFLICT_RETRIES", policy.ConflictRetries)
	policy.NotifyRadiusMeters = p.float("NOTIFY_RADIUS_METERS", policy.NotifyRadiusMeters)

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		DatabaseURL: os.Getenv("DATABASE_URL"),

		EventSink:         strings.ToLower(sharedcfg.EnvOrDefault("EVENT_SINK", SinkLog)),
		KafkaBrokers:      sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaEventsTopic:  sharedcfg.EnvOrDefault("KAFKA_EVENTS_TOPIC", "outage-events"),
		KafkaReportsTopic: sharedcfg.EnvOrDefault("KAFKA_REPORTS_TOPIC", "outage-reports"),
		KafkaGroupID:      sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "outage-engine"),
		NATSURL:           sharedcfg.EnvOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSStream:        sharedcfg.EnvOrDefault("NATS_STREAM", "OUTAGES"),

		IngestEnabled:      p.boolean("INGEST_ENABLED", false),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: mapboxCacheSize,

		JWTSecret: os.Getenv("JWT_SECRET"),

		Policy:          policy,
		QueryCacheSize:  p.integer("QUERY_CACHE_SIZE", 1024),
		QueryCacheTTL:   p.duration("QUERY_CACHE_TTL", "10m"),
		SweepInterval:   p.duration("SWEEP_INTERVAL", "1m"),
		ReindexInterval: p.durationOrZero("REINDEX_INTERVAL", "15m"),

		IndexSyncInterval: p.durationOrZero("INDEX_SYNC_INTERVAL", "250ms"),
		IndexMaxLag:       p.durationOrZero("INDEX_MAX_LAG", "3s"),
	}
	if p.err != nil {
		return nil, p.err
	}

	switch cfg.EventSink {
	case SinkLog:
	case SinkKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when EVENT_SINK is kafka")
		}
		if cfg.KafkaEventsTopic == "" {
			return nil, errors.New("KAFKA_EVENTS_TOPIC is required when EVENT_SINK is kafka")
		}
	case SinkNATS:
		if cfg.NATSURL == "" {
			return nil, errors.New("NATS_URL is required when EVENT_SINK is nats")
		}
	default:
		return nil, fmt.Errorf("invalid EVENT_SINK %q: must be log, kafka, or nats", cfg.EventSink)
	}
	if cfg.IngestEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when INGEST_ENABLED is true")
		}
		if cfg.KafkaReportsTopic == "" {
			return nil, errors.New("KAFKA_REPORTS_TOPIC is required when INGEST_ENABLED is true")
		}
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if cfg.IndexMaxLag > 0 && cfg.IndexSyncInterval > 0 && cfg.IndexMaxLag < 2*cfg.IndexSyncInterval {
		return nil, errors.New("invalid INDEX_MAX_LAG: must be at least twice INDEX_SYNC_INTERVAL")
	}
	if cfg.QueryCacheSize < 1 {
		return nil, errors.New("invalid QUERY_CACHE_SIZE: must be positive")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine policy: %w", err)
	}

	return cfg, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}

// parser keeps the first error so Load can read every variable before failing.
type parser struct {
	err error
}

func (p *parser) fail(key string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s", key)
	}
}

func (p *parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		p.fail(key)
		return 0
	}
	return d
}

// durationOrZero accepts "0" to disable the feature the duration drives.
func (p *parser) durationOrZero(key, fallback string) time.Duration {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d < 0 {
		p.fail(key)
		return 0
	}
	return d
}

func (p *parser) integer(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key)
		return 0
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key)
		return 0
	}
	return f
}

func (p *parser) boolean(key string, fallback bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key)
		return false
	}
	return b
}
