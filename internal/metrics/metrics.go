package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwheel_turns_processed_total",
			Help: "Total number of orchestrator turns processed",
		},
		[]string{"operation", "outcome"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwheel_turn_duration_seconds",
			Help:    "End-to-end turn processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ProviderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatwheel_provider_latency_ms",
			Help:    "LLM provider round-trip latency in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
	)

	ParseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwheel_parse_outcomes_total",
			Help: "Structured output parse outcomes by kind",
		},
		[]string{"kind"},
	)

	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwheel_sessions_started_total",
			Help: "Total number of workflow sessions started",
		},
	)

	// Lock metrics
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwheel_lock_contention_total",
			Help: "Total number of lock acquisitions rejected due to contention",
		},
	)

	LockReleaseMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwheel_lock_release_mismatches_total",
			Help: "Lock releases skipped because the holder token no longer matched",
		},
	)

	// Store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwheel_store_errors_total",
			Help: "Total number of storage backend errors",
		},
		[]string{"store", "op"},
	)

	ConversationCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwheel_conversation_cache_size",
			Help: "Number of conversations held in the in-memory store",
		},
	)

	ConversationCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwheel_conversation_cache_evictions_total",
			Help: "Total number of LRU evictions from the in-memory store",
		},
	)
)
