package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	gapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "murph",
		Subsystem: "reconciliation",
		Name:      "gaps_total",
		Help:      "Gateway side effects that could not be persisted, by kind.",
	}, []string{"kind"})

	gapStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "murph",
		Subsystem: "reconciliation",
		Name:      "gap_store_errors_total",
		Help:      "Reconciliation gaps that could not be written to the store.",
	})
)

func init() {
	prometheus.MustRegister(gapsTotal, gapStoreErrors)
}
