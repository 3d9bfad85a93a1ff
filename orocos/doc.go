// Package orocos holds the process-wide state of the control layer.
//
// A Runtime is created once per process and passed to whoever needs it; it
// is never stored in a package variable. It owns:
//
//   - the type registry, loaded with the std typekit on Load
//   - the default task configuration manager
//   - the port connector and the process manager
//   - the RPC layer (a NATS connection and the server of local tasks)
//   - the aggregate name resolver, built on Initialize in the order given
//     by the name_service.backends setting
//   - the pseudo task that represents this process to others
//
// Lifecycle:
//
//	rt, err := orocos.New(cfg, orocos.WithLogger(logger), orocos.WithMetricsRegistry(reg))
//	if err != nil {
//	    return err
//	}
//	if err := rt.Initialize(ctx, "controller"); err != nil {
//	    return err
//	}
//	defer rt.Shutdown(context.Background())
//
//	camera, err := rt.Resolve(ctx, "camera")
//
// Load fails with errors.ErrAlreadyInitialized when called twice without
// Clear in between, and with a fatal errors.ErrConfigConflict when ORO_LOGFILE
// names a different log file than the one already in use. Clear may be
// called any number of times; Reset is Clear followed by Load. Initialize is
// a no-op once it succeeded.
//
// Process deaths reported by the process manager drop the connections of
// the tasks the process hosted and trigger a cleanup sweep of the resolver
// in the background.
//
// Blocking remote calls can be forbidden for one owner (an event loop, for
// instance) with ForbidBlockingCalls; handles built by the runtime then fail
// with errors.ErrThread for calls made from a context carrying that owner,
// except inside AllowBlockingCalls.
package orocos
