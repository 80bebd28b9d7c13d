package pressure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pressureSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "memory_pressure_signals_total",
		Help:      "Total number of memory pressure signals by level.",
	}, []string{"level" /* normal | moderate | critical */})
	pressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "memory_pressure_level",
		Help:      "Applied memory pressure level: 0 normal, 1 moderate, 2 critical.",
	})
	sampledHeap = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "sampled_heap_bytes",
		Help:      "Heap bytes observed by the last pressure sample.",
	})
)
