// Package metrics provides Prometheus metrics for the docsync engine and
// emulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docsync"

var (
	// QueryStrategy counts local query executions by the strategy that
	// served them.
	QueryStrategy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_strategy_total",
			Help:      "Local query executions by strategy",
		},
		[]string{"strategy"}, // index/previous_results/collection_scan
	)

	// IndexAutoCreations counts client-side indexes created from query
	// statistics.
	IndexAutoCreations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_auto_creations_total",
			Help:      "Client-side indexes created automatically",
		},
	)

	// BackfilledDocuments counts documents written to client-side indexes
	// by the backfiller.
	BackfilledDocuments = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_backfilled_documents_total",
			Help:      "Documents processed by the index backfiller",
		},
	)

	// GarbageCollected counts what the LRU collector removed.
	GarbageCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_removed_total",
			Help:      "Cache entries removed by the LRU garbage collector",
		},
		[]string{"kind"}, // targets/documents
	)

	// GarbageCollectionRuns counts collector runs by outcome.
	GarbageCollectionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "LRU garbage collection runs",
		},
		[]string{"result"}, // collected/skipped/error
	)

	// CacheSizeBytes tracks the byte size of the remote document cache.
	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Byte size of the remote document cache",
		},
	)

	// PendingWrites tracks batches sent on the write stream and not yet
	// acknowledged.
	PendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_writes",
			Help:      "Mutation batches in flight on the write stream",
		},
	)

	// WriteResults counts write acknowledgements and rejections.
	WriteResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_results_total",
			Help:      "Mutation batches acknowledged or rejected by the backend",
		},
		[]string{"result"}, // acknowledged/rejected
	)

	// OnlineState reports the aggregated online state: 0 = unknown,
	// 1 = online, 2 = offline.
	OnlineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_state",
			Help:      "Online state (0=unknown, 1=online, 2=offline)",
		},
	)

	// StreamEvents counts stream lifecycle events.
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Listen and write stream lifecycle events",
		},
		[]string{"stream", "event"}, // stream: listen/write, event: open/close/error/idle
	)

	// RemoteEvents counts remote events raised by the watch aggregator.
	RemoteEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_events_total",
			Help:      "Remote events applied from the listen stream",
		},
	)

	// ExistenceFilterMismatches counts existence filter outcomes.
	ExistenceFilterMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "existence_filter_mismatches_total",
			Help:      "Existence filter mismatches by bloom filter outcome",
		},
		[]string{"bloom"}, // applied/failed/skipped/decode_error
	)

	// ActiveLimboResolutions tracks limbo documents currently being
	// resolved.
	ActiveLimboResolutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limbo_resolutions_active",
			Help:      "Limbo documents with an active resolution target",
		},
	)

	// EmulatorRequests counts emulator requests by route and status.
	EmulatorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emulator_requests_total",
			Help:      "Requests handled by the emulator",
		},
		[]string{"route", "status"},
	)

	// EmulatorLatency tracks emulator request latency.
	EmulatorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "emulator_latency_seconds",
			Help:      "Emulator request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// EmulatorCommits counts batches the emulator committed.
	EmulatorCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emulator_commits_total",
			Help:      "Batches committed by the emulator",
		},
		[]string{"database", "source"}, // source: stream/unary
	)
)

// IncQueryStrategy records one query served by strategy.
func IncQueryStrategy(strategy string) {
	QueryStrategy.WithLabelValues(strategy).Inc()
}

// ObserveGarbageCollection records a collector run.
func ObserveGarbageCollection(targetsRemoved, documentsRemoved int, err error) {
	switch {
	case err != nil:
		GarbageCollectionRuns.WithLabelValues("error").Inc()
		return
	case targetsRemoved == 0 && documentsRemoved == 0:
		GarbageCollectionRuns.WithLabelValues("skipped").Inc()
	default:
		GarbageCollectionRuns.WithLabelValues("collected").Inc()
	}
	GarbageCollected.WithLabelValues("targets").Add(float64(targetsRemoved))
	GarbageCollected.WithLabelValues("documents").Add(float64(documentsRemoved))
}

// IncWriteResult records a write acknowledgement or rejection.
func IncWriteResult(acknowledged bool) {
	result := "acknowledged"
	if !acknowledged {
		result = "rejected"
	}
	WriteResults.WithLabelValues(result).Inc()
}

// IncStreamEvent records a stream lifecycle event.
func IncStreamEvent(stream, event string) {
	StreamEvents.WithLabelValues(stream, event).Inc()
}

// ObserveEmulatorRequest records one emulator request.
func ObserveEmulatorRequest(route, status string, latencySeconds float64) {
	EmulatorRequests.WithLabelValues(route, status).Inc()
	EmulatorLatency.WithLabelValues(route).Observe(latencySeconds)
}

// IncEmulatorCommit records one batch committed by the emulator.
func IncEmulatorCommit(database, source string) {
	EmulatorCommits.WithLabelValues(database, source).Inc()
}
