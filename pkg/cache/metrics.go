package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "thumb_cache_lookups_total",
		Help:      "Total number of thumbnail cache lookups.",
	}, []string{"status" /* hit | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "thumb_cache_evictions_total",
		Help:      "Total number of thumbnails removed from the cache.",
	}, []string{"reason" /* lru | budget | pressure | clear */})
	cacheTooBig = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "thumb_cache_too_big_total",
		Help:      "Total number of rendered thumbnails that didn't fit the budget and were not cached.",
	})
	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "thumb_cache_bytes",
		Help:      "Estimated bytes held by cached thumbnails.",
	})
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "thumb_cache_entries",
		Help:      "Number of cached thumbnails.",
	})
	cacheBudget = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "thumb_cache_budget_bytes",
		Help:      "Effective budget of the thumbnail cache.",
	})
)
