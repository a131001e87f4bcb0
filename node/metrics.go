package node

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	frames       *prometheus.CounterVec
	attestations *prometheus.CounterVec
	certificates prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockrelay_node",
			Name:      "frames",
			Help:      "Number of inbound frames, by kind and result",
		}, []string{"kind", "result"}),
		attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockrelay_node",
			Name:      "attestations",
			Help:      "Number of partial signatures sent or accepted",
		}, []string{"direction"}),
		certificates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockrelay_node",
			Name:      "certificates",
			Help:      "Number of threshold certificates recovered",
		}),
	}
	var result *multierror.Error
	for _, c := range []prometheus.Collector{m.frames, m.attestations, m.certificates} {
		if err := reg.Register(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return m, result.ErrorOrNil()
}
