package process

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chhtz/tools-orocosrb/metric"
)

// Metrics holds Prometheus metrics for managed processes
type Metrics struct {
	spawned prometheus.Counter
	died    *prometheus.CounterVec // By reason: exit, signal, unknown
	alive   prometheus.Gauge
}

// NewMetrics creates and registers process metrics with the provided registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "process",
			Name:      "spawned_total",
			Help:      "Deployment processes launched",
		}),
		died: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "process",
			Name:      "died_total",
			Help:      "Managed process deaths by reason",
		}, []string{"reason"}),
		alive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "process",
			Name:      "alive",
			Help:      "Managed processes not yet reported dead",
		}),
	}

	if err := registry.RegisterCounter("process", "spawned_total", m.spawned); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("process", "died_total", m.died); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("process", "alive", m.alive); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordSpawn() {
	if m == nil {
		return
	}
	m.spawned.Inc()
	m.alive.Inc()
}

func (m *Metrics) recordDeath(status ExitStatus) {
	if m == nil {
		return
	}
	reason := "exit"
	switch {
	case status.Signaled():
		reason = "signal"
	case status.Unknown:
		reason = "unknown"
	}
	m.died.WithLabelValues(reason).Inc()
	m.alive.Dec()
}
