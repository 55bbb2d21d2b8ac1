package btsock

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "btsock"

var (
	socketsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sockets_opened_total",
		Help:      "Sockets constructed, by kind and origin (new, adopted, accepted).",
	}, []string{"kind", "origin"})

	socketsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sockets_closed_total",
		Help:      "Sockets torn down, by kind.",
	}, []string{"kind"})

	abortsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "aborts_total",
		Help:      "Transport aborts issued by Close.",
	})

	opsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "operations_in_flight",
		Help:      "Operations currently inside the transport, by operation.",
	}, []string{"op"})

	opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operation_errors_total",
		Help:      "Failed operations, by operation and reason.",
	}, []string{"op", "reason"})
)

// RegisterMetrics registers the package collectors with r. Collectors that
// are already registered are skipped.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{socketsOpened, socketsClosed, abortsIssued, opsInFlight, opErrors} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
