// Package health tracks the health of the runtime's components and exposes
// it as liveness and readiness endpoints.
//
// Monitor keeps one Status per component. Components either set a level
// directly (UpdateHealthy, UpdateDegraded, UpdateUnhealthy) or Report the
// error of their last operation, which FromError maps onto a level:
// communication failures and other transient errors degrade, everything else
// makes the component unhealthy. Messages are sanitized so that URLs, paths,
// addresses and credentials never reach the endpoint.
//
//	monitor := health.NewMonitor()
//	monitor.Report("rpc", err)
//	if monitor.AggregateHealth("orocos").IsUnhealthy() {
//	    ...
//	}
//
// NewHandler builds a heptiolabs/healthcheck handler serving /live and
// /ready. Liveness carries a goroutine count check plus the liveness checks
// passed as options (the runtime adds the child watcher). Readiness fails
// while the monitor's aggregate is unhealthy, plus the readiness checks passed
// as options (the runtime adds the NATS connection):
//
//	h := health.NewHandler(monitor,
//	    health.WithLivenessCheck("watcher", health.WatcherCheck(procs.WatcherRunning)),
//	    health.WithReadinessCheck("nats", health.NATSCheck(rt.NATS)))
//
// Append ?full=1 to a probe to get the per-check results as JSON.
package health
