// Package metric provides the Prometheus metrics registry of the runtime and
// an HTTP server exposing it.
//
// NewMetricsRegistry registers the core process metrics (runtime status, NATS
// connection state, surfaced errors) together with the Go and process
// collectors. Components register their own vectors through the
// MetricsRegistrar interface, keyed by subsystem and metric name:
//
//	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
//	    Namespace: metric.Namespace,
//	    Subsystem: "lifecycle",
//	    Name:      "transitions_total",
//	    Help:      "Lifecycle transitions by transition and result",
//	}, []string{"transition", "result"})
//	if err := registry.RegisterCounterVec("lifecycle", "transitions_total", transitions); err != nil {
//	    return nil, err
//	}
//
// Registering the same key twice, or a collector whose fully qualified name
// is already taken, fails with an invalid-class error.
//
// Components accept a nil registry and then record nothing; their metric
// constructors return nil and the recording methods are nil-safe.
//
// All metrics live under the "orocos" namespace:
//
//	orocos_runtime_status                     0=cleared 1=loaded 2=initialized
//	orocos_nats_connected                     1 while the RPC connection is up
//	orocos_lifecycle_transitions_total        {transition, result}
//	orocos_connection_connects_total          {result}
//	orocos_nameservice_lookups_total          {backend, result}
//	orocos_process_died_total                 {reason}
//
// Server serves the registry on a path (default /metrics) and can mount extra
// handlers such as the health endpoints:
//
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	srv.Handle("/health/", http.StripPrefix("/health", healthHandler))
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
package metric
