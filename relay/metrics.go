package relay

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests     prometheus.Counter
	responses    *prometheus.CounterVec
	legs         *prometheus.CounterVec
	inconclusive prometheus.Counter
}

func newMetrics(namespace string, reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_requests",
			Help:      "Number of block hash read requests sent",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received",
			Help:      "Number of block messages accepted, by channel",
		}, []string{"channel"}),
		legs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_legs",
			Help:      "Number of fan-out messages attempted, by result",
		}, []string{"result"}),
		inconclusive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconclusive_reads",
			Help:      "Number of read responses carrying a zero hash",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var result *multierror.Error
	for _, c := range []prometheus.Collector{m.requests, m.responses, m.legs, m.inconclusive} {
		if err := reg.Register(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return m, result.ErrorOrNil()
}
