package natsrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
)

// Metrics holds Prometheus metrics for task requests. A nil *Metrics
// records nothing.
type Metrics struct {
	requests *prometheus.CounterVec   // Client side, by operation and result
	duration *prometheus.HistogramVec // Client side round trip, by operation
	served   *prometheus.CounterVec   // Server side, by operation and result
}

// NewMetrics creates and registers RPC metrics with the provided registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Task requests issued, by operation and result",
		}, []string{"operation", "result"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Round trip time of task requests",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"operation"}),

		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rpc",
			Name:      "served_total",
			Help:      "Task requests served, by operation and result",
		}, []string{"operation", "result"}),
	}

	if err := registry.RegisterCounterVec("rpc", "requests_total", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("rpc", "request_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("rpc", "served_total", m.served); err != nil {
		return nil, err
	}
	return m, nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.IsCom(err):
		return "com_error"
	case errors.IsNotFound(err):
		return "not_found"
	default:
		return "rejected"
	}
}

func (m *Metrics) recordRequest(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, result(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordServed(op string, re *remoteError) {
	if m == nil {
		return
	}
	label := "success"
	if re != nil {
		label = re.Kind
	}
	m.served.WithLabelValues(op, label).Inc()
}
