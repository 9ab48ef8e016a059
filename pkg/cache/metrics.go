package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks schema cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataverse_schema_cache_hits_total",
			Help: "Total number of schema cache hits",
		},
	)

	// CacheMisses tracks schema cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataverse_schema_cache_misses_total",
			Help: "Total number of schema cache misses",
		},
	)

	// CacheSize tracks bytes written to the cache
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataverse_schema_cache_size_bytes",
			Help: "Bytes of schema data written to the cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataverse_schema_cache_errors_total",
			Help: "Total number of schema cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "invalidate"
	)
)
