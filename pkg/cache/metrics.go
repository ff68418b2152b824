package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks reads that found a live entry.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webclient_cache_hits_total",
			Help: "Total number of storage cache hits",
		},
	)

	// CacheMisses tracks reads that returned the default value.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webclient_cache_misses_total",
			Help: "Total number of storage cache misses",
		},
	)

	// CacheSets tracks writes by whether the snapshot was persisted.
	CacheSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webclient_cache_sets_total",
			Help: "Total number of storage cache writes",
		},
		[]string{"persisted"}, // "true", "false"
	)

	// CacheExpired tracks entries removed because their TTL elapsed.
	CacheExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webclient_cache_expired_total",
			Help: "Total number of expired entries removed",
		},
		[]string{"path"}, // "lazy", "sweep", "load"
	)

	// SnapshotSize tracks the size of the last durable snapshot in bytes.
	SnapshotSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webclient_cache_snapshot_bytes",
			Help: "Size of the last written durable snapshot in bytes",
		},
	)

	// PersistErrors tracks durable tier failures.
	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webclient_cache_persist_errors_total",
			Help: "Total number of durable snapshot errors",
		},
		[]string{"operation"}, // "encode", "save", "load", "decode", "delete"
	)

	// ObserverErrors tracks observers that panicked during notification.
	ObserverErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webclient_cache_observer_errors_total",
			Help: "Total number of storage observers that failed",
		},
	)
)
