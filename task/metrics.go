package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
)

// Metrics holds Prometheus metrics for lifecycle transitions. A nil
// *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec   // By transition and result
	duration    *prometheus.HistogramVec // By transition
}

// NewMetrics creates and registers lifecycle metrics with the provided registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions requested on task contexts",
		}, []string{"transition", "result"}), // result: success, rejected, com_error, invalid

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "lifecycle",
			Name:      "transition_duration_seconds",
			Help:      "Duration of lifecycle transitions including the state query",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"transition"}),
	}

	if err := registry.RegisterCounterVec("lifecycle", "transitions_total", m.transitions); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("lifecycle", "transition_duration_seconds", m.duration); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) record(transition string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition, resultLabel(err)).Inc()
	m.duration.WithLabelValues(transition).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.IsCom(err):
		return "com_error"
	case errors.IsFatal(err):
		return "rejected"
	default:
		return "invalid"
	}
}
