package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Fanout metrics
	FanoutQueries    prometheus.Counter
	FanoutRelays     prometheus.Counter
	FanoutFailures   prometheus.Counter
	FanoutMerged     prometheus.Counter
	FanoutLatency    prometheus.Histogram
	PaginationCycles *prometheus.CounterVec

	// Cache metrics
	CacheMergedRecords prometheus.Counter
	LookupRequests     *prometheus.CounterVec
	LookupCacheHits    *prometheus.CounterVec

	// Service references for dynamic metrics
	recordCache *RecordCacheService
	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(recordCache *RecordCacheService, connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		recordCache: recordCache,
		connManager: connManager,

		// Fanout executions (counter - only goes up)
		FanoutQueries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipstream_fanout_queries_total",
			Help: "Total number of fanout query executions",
		}),

		// Per-relay queries issued inside fanouts
		FanoutRelays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipstream_fanout_relay_queries_total",
			Help: "Total number of per-relay queries issued",
		}),

		// Failed per-relay queries inside fanouts
		FanoutFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipstream_fanout_relay_failures_total",
			Help: "Total number of per-relay query failures",
		}),

		// Records surviving dedup per fanout
		FanoutMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipstream_fanout_merged_records_total",
			Help: "Total number of records returned after deduplication",
		}),

		// Fanout latency histogram
		FanoutLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tipstream_fanout_duration_seconds",
			Help:    "Fanout query latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8}, // capped by the fetch deadline
		}),

		// Pagination cycles by outcome
		PaginationCycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipstream_pagination_cycles_total",
			Help: "Total number of pagination cycles by outcome",
		}, []string{"outcome"}), // outcome: "success", "complete" or "failure"

		// Records newly added to the per-subject cache
		CacheMergedRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tipstream_cache_merged_records_total",
			Help: "Total number of new records merged into the record cache",
		}),

		// Lookup requests by kind
		LookupRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipstream_lookup_requests_total",
			Help: "Total number of content/actor lookups requested",
		}, []string{"kind"}),

		// Lookup requests served from the permanent caches
		LookupCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tipstream_lookup_cache_hits_total",
			Help: "Total number of content/actor lookups served from cache",
		}, []string{"kind"}),
	}

	// Register a collector that reports cached subjects from the record cache
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tipstream_cached_subjects_current",
			Help: "Current number of subjects with cached records",
		},
		func() float64 {
			if recordCache != nil {
				return float64(recordCache.SubjectCount())
			}
			return 0
		},
	))

	// Register a collector that reports state stream connections
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tipstream_state_connections_current",
			Help: "Current number of active state stream WebSocket connections",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordFanout records one fanout execution
func RecordFanout(queried, failures, merged int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.FanoutQueries.Inc()
	globalMetrics.FanoutRelays.Add(float64(queried))
	globalMetrics.FanoutFailures.Add(float64(failures))
	globalMetrics.FanoutMerged.Add(float64(merged))
	globalMetrics.FanoutLatency.Observe(duration.Seconds())
}

// RecordPaginationCycle records one finished pagination cycle
func RecordPaginationCycle(outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.PaginationCycles.WithLabelValues(outcome).Inc()
}

// RecordCacheMerge records records newly added to the record cache
func RecordCacheMerge(added int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.CacheMergedRecords.Add(float64(added))
}

// RecordLookup records a content or actor lookup batch
func RecordLookup(kind string, requested, cached int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.LookupRequests.WithLabelValues(kind).Add(float64(requested))
	globalMetrics.LookupCacheHits.WithLabelValues(kind).Add(float64(cached))
}
