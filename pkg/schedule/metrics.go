package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "thumb_submissions_total",
		Help:      "Total number of submitted thumbnail requests by how they were served.",
	}, []string{"path" /* hit | join | new | notfound | closed */})
	escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "thumb_priority_escalations_total",
		Help:      "Total number of in-flight generations whose priority was raised by a joining request.",
	})
	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "thumb_generations_total",
		Help:      "Total number of finished generations by outcome.",
	}, []string{"outcome" /* ok | notfound | render | timeout | cancelled | abandoned */})
	generationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "folio",
		Name:      "thumb_generation_seconds",
		Help:      "Wall time of generations, from the worker pick up to the result.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "thumb_queue_depth",
		Help:      "Number of generations waiting for a worker.",
	})
)
