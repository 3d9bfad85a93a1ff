package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Runtime status values reported by RuntimeStatus
const (
	RuntimeCleared     = 0
	RuntimeLoaded      = 1
	RuntimeInitialized = 2
)

// Metrics contains the process-level metrics of the runtime
type Metrics struct {
	RuntimeStatus  prometheus.Gauge
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
	Errors         *prometheus.CounterVec
}

// NewMetrics creates the core metrics (not yet registered)
func NewMetrics() *Metrics {
	return &Metrics{
		RuntimeStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "runtime",
			Name:      "status",
			Help:      "Runtime status (0=cleared, 1=loaded, 2=initialized)",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runtime",
			Name:      "errors_total",
			Help:      "Errors surfaced to callers, by component and error class",
		}, []string{"component", "class"}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.RuntimeStatus, c.NATSConnected, c.NATSReconnects, c.Errors}
}

// RecordRuntimeStatus records the runtime status
func (c *Metrics) RecordRuntimeStatus(status int) {
	c.RuntimeStatus.Set(float64(status))
}

// RecordNATSStatus records NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordError counts an error surfaced by a component
func (c *Metrics) RecordError(component, class string) {
	c.Errors.WithLabelValues(component, class).Inc()
}
