package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigatiles_http_requests_total",
		Help: "Total number of HTTP requests by route and status code",
	}, []string{"route", "status"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigatiles_cache_hits_total",
		Help: "Total number of spatial cache hits",
	}, []string{"category"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigatiles_cache_misses_total",
		Help: "Total number of spatial cache misses",
	}, []string{"category"})

	CacheStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigatiles_cache_stores_total",
		Help: "Total number of values stored in the spatial cache",
	}, []string{"category"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gigatiles_cache_evictions_total",
		Help: "Total number of least recently used entries evicted",
	})

	CacheInvalidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigatiles_cache_invalidated_total",
		Help: "Total number of entries removed by spatial invalidation",
	}, []string{"category"})

	TilesPainted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigatiles_tiles_painted_total",
		Help: "Total number of tiles painted on a cache miss",
	}, []string{"kind"})

	PaintLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gigatiles_paint_latency_seconds",
		Help:    "Latency of painting one tile in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)
