package health

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/chhtz/tools-orocosrb/natsclient"
)

// Default thresholds of the built-in checks
const (
	DefaultGoroutineLimit = 10000
	DefaultCheckTimeout   = time.Second
)

// HandlerOption configures NewHandler
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	system         string
	goroutineLimit int
	liveness       map[string]healthcheck.Check
	readiness      map[string]healthcheck.Check
}

// WithSystemName names the aggregate checked by readiness
func WithSystemName(name string) HandlerOption {
	return func(c *handlerConfig) { c.system = name }
}

// WithGoroutineLimit sets the liveness goroutine threshold. Zero disables
// the check.
func WithGoroutineLimit(n int) HandlerOption {
	return func(c *handlerConfig) { c.goroutineLimit = n }
}

// WithLivenessCheck adds a liveness check
func WithLivenessCheck(name string, check healthcheck.Check) HandlerOption {
	return func(c *handlerConfig) { c.liveness[name] = check }
}

// WithReadinessCheck adds a readiness check
func WithReadinessCheck(name string, check healthcheck.Check) HandlerOption {
	return func(c *handlerConfig) { c.readiness[name] = check }
}

// NewHandler builds the /live and /ready endpoints. Readiness fails while
// the monitor's aggregate is unhealthy; a degraded aggregate stays ready.
func NewHandler(monitor *Monitor, opts ...HandlerOption) healthcheck.Handler {
	cfg := &handlerConfig{
		system:         "orocos",
		goroutineLimit: DefaultGoroutineLimit,
		liveness:       make(map[string]healthcheck.Check),
		readiness:      make(map[string]healthcheck.Check),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := healthcheck.NewHandler()
	if cfg.goroutineLimit > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(cfg.goroutineLimit))
	}
	for name, check := range cfg.liveness {
		h.AddLivenessCheck(name, check)
	}
	if monitor != nil {
		h.AddReadinessCheck("components", MonitorCheck(monitor, cfg.system))
	}
	for name, check := range cfg.readiness {
		h.AddReadinessCheck(name, healthcheck.Timeout(check, DefaultCheckTimeout))
	}
	return h
}

// MonitorCheck fails while the aggregate of monitor is unhealthy
func MonitorCheck(monitor *Monitor, system string) healthcheck.Check {
	return func() error {
		agg := monitor.AggregateHealth(system)
		if !agg.IsUnhealthy() {
			return nil
		}
		for _, sub := range agg.SubStatuses {
			if sub.IsUnhealthy() {
				return fmt.Errorf("%s: %s", sub.Component, sub.Message)
			}
		}
		return fmt.Errorf("%s", agg.Message)
	}
}

// WatcherCheck fails when the child watcher is expected but not running
func WatcherCheck(running func() bool) healthcheck.Check {
	return func() error {
		if !running() {
			return fmt.Errorf("child watcher is not running")
		}
		return nil
	}
}

// NATSCheck fails while the client returned by current is missing or not
// connected. current is called on every check.
func NATSCheck(current func() *natsclient.Client) healthcheck.Check {
	return func() error {
		client := current()
		if client == nil {
			return fmt.Errorf("RPC layer not initialized")
		}
		if client.IsHealthy() {
			return nil
		}
		status := client.GetStatus()
		if status.FailureCount == 0 {
			return fmt.Errorf("NATS %s", status.Status)
		}
		return fmt.Errorf("NATS %s after %d failures, last at %s", status.Status,
			status.FailureCount, status.LastFailureTime.UTC().Format(time.RFC3339))
	}
}
