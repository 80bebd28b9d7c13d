package prefetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prefetchSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "prefetch_submissions_total",
		Help:      "Total number of prefetch requests submitted.",
	})
	prefetchCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "prefetch_cancellations_total",
		Help:      "Total number of prefetch requests cancelled because they left the prefetch window.",
	})
	prefetchSkippedFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "prefetch_skipped_failed_total",
		Help:      "Total number of prefetches skipped because the page failed earlier.",
	})
	prefetchState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "prefetch_state",
		Help:      "Prefetcher state: 0 idle, 1 prefetching.",
	})
)
