package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chhtz/tools-orocosrb/errors"
)

// Namespace is the Prometheus namespace shared by all runtime metrics
const Namespace = "orocos"

// MetricsRegistrar defines the interface for registering subsystem metrics
type MetricsRegistrar interface {
	RegisterCounterVec(subsystem, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(subsystem, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(subsystem, metricName string, histogramVec *prometheus.HistogramVec) error
	RegisterCounter(subsystem, metricName string, counter prometheus.Counter) error
	RegisterGauge(subsystem, metricName string, gauge prometheus.Gauge) error
	Unregister(subsystem, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with the core runtime metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.prometheusRegistry.MustRegister(registry.Metrics.collectors()...)

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core runtime metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// RegisterCounterVec registers a counter vector for a subsystem
func (r *MetricsRegistry) RegisterCounterVec(subsystem, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register("RegisterCounterVec", subsystem, metricName, counterVec)
}

// RegisterGaugeVec registers a gauge vector for a subsystem
func (r *MetricsRegistry) RegisterGaugeVec(subsystem, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register("RegisterGaugeVec", subsystem, metricName, gaugeVec)
}

// RegisterHistogramVec registers a histogram vector for a subsystem
func (r *MetricsRegistry) RegisterHistogramVec(
	subsystem, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", subsystem, metricName, histogramVec)
}

// RegisterCounter registers a counter for a subsystem
func (r *MetricsRegistry) RegisterCounter(subsystem, metricName string, counter prometheus.Counter) error {
	return r.register("RegisterCounter", subsystem, metricName, counter)
}

// RegisterGauge registers a gauge for a subsystem
func (r *MetricsRegistry) RegisterGauge(subsystem, metricName string, gauge prometheus.Gauge) error {
	return r.register("RegisterGauge", subsystem, metricName, gauge)
}

func (r *MetricsRegistry) register(method, subsystem, metricName string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for subsystem %s", metricName, subsystem),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", method,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", method,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = c
	return nil
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(subsystem, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}
