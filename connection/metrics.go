package connection

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
)

// Metrics holds Prometheus metrics for port connections. A nil *Metrics
// records nothing.
type Metrics struct {
	connects    *prometheus.CounterVec // By result
	disconnects prometheus.Counter
	active      prometheus.Gauge
}

// NewMetrics creates and registers connection metrics with the provided registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "connection",
			Name:      "connects_total",
			Help:      "Connect requests by result",
		}, []string{"result"}),

		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "connection",
			Name:      "disconnects_total",
			Help:      "Connections removed through disconnect",
		}),

		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "connection",
			Name:      "active",
			Help:      "Connections currently tracked",
		}),
	}

	if err := registry.RegisterCounterVec("connection", "connects_total", m.connects); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("connection", "disconnects_total", m.disconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("connection", "active", m.active); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordConnect(err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrTypeMismatch):
		result = "type_mismatch"
	case errors.Is(err, errors.ErrPolicy):
		result = "policy_error"
	case errors.Is(err, errors.ErrAlreadyConnected):
		result = "already_connected"
	default:
		result = "failed"
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDisconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}
