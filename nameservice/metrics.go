package nameservice

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
)

// Metrics holds Prometheus metrics for name resolution. A nil *Metrics
// records nothing.
type Metrics struct {
	lookups *prometheus.CounterVec // By backend and result
	pruned  *prometheus.CounterVec // By backend
}

// NewMetrics creates and registers name service metrics with the provided registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nameservice",
			Name:      "lookups_total",
			Help:      "Backend lookups by backend and result",
		}, []string{"backend", "result"}),

		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nameservice",
			Name:      "pruned_total",
			Help:      "Dangling registrations removed by cleanup",
		}, []string{"backend"}),
	}

	if err := registry.RegisterCounterVec("nameservice", "lookups_total", m.lookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("nameservice", "pruned_total", m.pruned); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordLookup(backend string, err error) {
	if m == nil {
		return
	}
	result := "hit"
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		result = "miss"
	default:
		result = "error"
	}
	m.lookups.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) recordPruned(backend string) {
	if m == nil {
		return
	}
	m.pruned.WithLabelValues(backend).Inc()
}
