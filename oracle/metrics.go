package oracle

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	votes         prometheus.Counter
	confirmations prometheus.Counter
	headers       prometheus.Counter
	committers    prometheus.Gauge
	threshold     prometheus.Gauge
}

func newMetrics(namespace string, reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		votes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes",
			Help:      "Number of committer votes recorded",
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations",
			Help:      "Number of block hashes confirmed",
		}),
		headers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "headers",
			Help:      "Number of verified headers stored",
		}),
		committers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committers",
			Help:      "Size of the committer set",
		}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Votes required to confirm a block hash",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var result *multierror.Error
	for _, c := range []prometheus.Collector{m.votes, m.confirmations, m.headers, m.committers, m.threshold} {
		if err := reg.Register(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return m, result.ErrorOrNil()
}
