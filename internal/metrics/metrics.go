package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_hits_total",
		Help: "Total number of tile cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_misses_total",
		Help: "Total number of tile cache misses",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_evictions_total",
		Help: "Total number of entries evicted for capacity",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_cache_entries",
		Help: "Current number of entries in the tile cache",
	})

	PoolObtains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_pool_obtains_total",
		Help: "Buffer pool obtain calls by result",
	}, []string{"result"})

	FetchRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_fetch_requests_total",
		Help: "Total number of fetch requests handed to the fetch collaborator",
	})

	FetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_fetch_outcomes_total",
		Help: "Fetch completions by outcome",
	}, []string{"outcome"})

	RescaleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tile_rescale_duration_seconds",
		Help:    "Duration of rescale passes in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"direction"})

	RescaleTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_rescale_tiles_total",
		Help: "Tiles handled by rescale passes by result",
	}, []string{"result"})
)
