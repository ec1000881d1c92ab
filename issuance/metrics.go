package issuance

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	issuances   *prometheus.CounterVec
	signLatency prometheus.Histogram
	serialOps   *prometheus.CounterVec
	recovered   *prometheus.CounterVec
	outstanding prometheus.Gauge
}

func newMetrics(stats prometheus.Registerer) *metrics {
	issuances := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caledger_issuances_total",
			Help: "Number of issuance attempts by result and the stage that ended them",
		},
		[]string{"result", "stage"})
	stats.MustRegister(issuances)

	signLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "caledger_signer_duration_seconds",
		Help:    "Time spent in the signer per issuance",
		Buckets: prometheus.DefBuckets,
	})
	stats.MustRegister(signLatency)

	serialOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caledger_serial_operations_total",
			Help: "Number of serial reservations, commits and rollbacks",
		},
		[]string{"op"})
	stats.MustRegister(serialOps)

	recovered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caledger_recovered_reservations_total",
			Help: "Number of orphaned reservations resolved at startup by action",
		},
		[]string{"action"})
	stats.MustRegister(recovered)

	outstanding := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caledger_outstanding_reservations",
		Help: "Serials reserved by this process and not yet committed or rolled back",
	})
	stats.MustRegister(outstanding)

	return &metrics{
		issuances:   issuances,
		signLatency: signLatency,
		serialOps:   serialOps,
		recovered:   recovered,
		outstanding: outstanding,
	}
}
