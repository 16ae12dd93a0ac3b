// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector so components can share one registry.
type Metrics struct {
	Registry *prometheus.Registry

	TransactionsIndexed prometheus.Counter
	IndexErrors         prometheus.Counter
	IndexDuration       prometheus.Histogram

	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheSets    prometheus.Counter
	CacheDeletes prometheus.Counter
	CacheErrors  prometheus.Counter

	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter
	Subscriptions   prometheus.Gauge

	WriteQueueDepth   prometheus.Gauge
	WriteQueueDropped prometheus.Counter

	BreakerState *prometheus.GaugeVec

	AnomaliesDetected prometheus.Counter
	PnLSnapshots      prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TransactionsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_transactions_indexed_total",
			Help: "Total number of transactions committed by the indexer",
		}),
		IndexErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_index_errors_total",
			Help: "Total number of indexing failures",
		}),
		IndexDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "walletmirror_index_duration_seconds",
			Help:    "Time taken to index one transaction",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_cache_hits_total",
			Help: "Total cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_cache_misses_total",
			Help: "Total cache misses",
		}),
		CacheSets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_cache_sets_total",
			Help: "Total cache writes",
		}),
		CacheDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_cache_deletes_total",
			Help: "Total cache deletions including pattern purges",
		}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_cache_errors_total",
			Help: "Total cache operation errors",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_events_delivered_total",
			Help: "Total events delivered to subscriber sinks",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_events_dropped_total",
			Help: "Total events dropped from overflowing subscriber buffers",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walletmirror_subscriptions",
			Help: "Current number of event subscriptions",
		}),
		WriteQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walletmirror_write_queue_depth",
			Help: "Current depth of the degraded-mode write queue",
		}),
		WriteQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_write_queue_dropped_total",
			Help: "Total queued writes dropped on overflow or retry exhaustion",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walletmirror_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_anomalies_detected_total",
			Help: "Total high-risk anomalies recorded",
		}),
		PnLSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletmirror_pnl_snapshots_total",
			Help: "Total PnL snapshots written",
		}),
	}

	reg.MustRegister(
		m.TransactionsIndexed, m.IndexErrors, m.IndexDuration,
		m.CacheHits, m.CacheMisses, m.CacheSets, m.CacheDeletes, m.CacheErrors,
		m.EventsDelivered, m.EventsDropped, m.Subscriptions,
		m.WriteQueueDepth, m.WriteQueueDropped,
		m.BreakerState,
		m.AnomaliesDetected, m.PnLSnapshots,
	)
	return m
}
