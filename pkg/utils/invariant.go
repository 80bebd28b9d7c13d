// Invariants are conditions that must hold unless folio itself has a bug, e.g. a completion sink being called
// twice, or the cache holding more bytes than its budget right after an eviction pass.
// Raising an invariant doesn't crash the process: it records an error log and increments a counter that is
// alerted on. The caller still has to handle the broken case, usually by an early return.
//
// Don't raise invariants for conditions driven by the outside world; a page that fails to render is a normal
// outcome. A renderer returning a nil image together with a nil error is a good candidate, since the contract
// forbids it.
//
// In test builds (-ldflags "-X .../utils.TestMode=true") an invariant violation panics.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "folio",
	Name:      "invariants_total",
	Help:      "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of `module`. `args` are slog key/value pairs.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns how many times the invariant `invariantType` of `module` was raised.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "error", err)
		return 0
	}
	return int(metric.Counter.GetValue())
}
