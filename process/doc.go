// Package process launches and supervises the external processes that host
// task contexts.
//
// A Manager spawns deployments described by DeploymentSpec values, either
// built in code or loaded from YAML with LoadDeployments, and remembers
// which tasks each process is expected to register. Deaths are observed by
// a Watcher: one goroutine reaps watched children with a non-blocking wait
// and queues the exit statuses, and a second goroutine hands them to
// Manager.Dead. Dead only records the status and emits an Event on
// Manager.Events; whoever owns the name service reacts to it.
//
//	m := process.NewManager()
//	if err := m.StartWatcher(); err != nil {
//		return err
//	}
//	defer m.Close()
//
//	p, err := m.Spawn(ctx, spec)
//	if err != nil {
//		return err
//	}
//	if err := m.WaitReady(ctx, p.Name(), resolver); err != nil {
//		return err
//	}
//
// Child reaping needs a Unix platform; elsewhere StartWatcher fails with
// ErrWatcherUnsupported.
package process
