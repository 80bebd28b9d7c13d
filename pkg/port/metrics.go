package port

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var portCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "folio",
	Name:      "port_commands_total",
	Help:      "Total number of commands received on the control port.",
}, []string{"command"})
