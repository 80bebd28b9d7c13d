package render

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	renderContextsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "folio",
		Name:      "render_contexts_in_use",
		Help:      "Number of render contexts held by backend renders.",
	})
	pageDecodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "folio",
		Name:      "page_decodes_total",
		Help:      "Total number of decoded page images.",
	}, []string{"format"})
)
