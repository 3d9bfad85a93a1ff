package orocos

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/chhtz/tools-orocosrb/config"
	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/nameservice"
	"github.com/chhtz/tools-orocosrb/process"
	"github.com/chhtz/tools-orocosrb/task"
	"github.com/chhtz/tools-orocosrb/transport/natsrpc"
)

// sweepTimeout bounds one cleanup sweep triggered by a process death
const sweepTimeout = 30 * time.Second

// Initialize brings the runtime up: loads it if needed, starts the child
// watcher, initializes the RPC layer, builds the aggregate resolver and
// creates the pseudo task representing this process. Calling it again once
// initialized does nothing.
func (r *Runtime) Initialize(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if name == "" {
		name = fmt.Sprintf("orocosrb_%d", r.pid)
	}
	if !r.loaded {
		if err := r.load(name); err != nil {
			return err
		}
	}

	if !r.cfg.Process.DisableChildWatcher && !r.procs.WatcherRunning() {
		if err := r.procs.StartWatcher(); err != nil {
			r.logger.Warn("Child watcher unavailable, deaths must be reported explicitly", "error", err)
		}
	}

	if err := r.initRPC(ctx); err != nil {
		return err
	}

	if r.resolver == nil {
		resolver, err := r.buildResolver(ctx)
		if err != nil {
			return err
		}
		r.resolver = resolver
	}

	if err := r.createPseudoTask(ctx, name); err != nil {
		return err
	}

	r.startEventLoop(r.resolver)
	r.initialized = true
	r.recordStatus(metric.RuntimeInitialized)
	r.report("runtime", nil)
	r.logger.Info("Runtime initialized", "task", name,
		"backends", r.cfg.NameService.Backends, "child_watcher", r.procs.WatcherRunning())
	return nil
}

// buildResolver creates the backends in configured order followed by the
// extra backends. Callers hold r.mu.
func (r *Runtime) buildResolver(ctx context.Context) (*nameservice.Resolver, error) {
	handleOpts := []task.Option{
		task.WithGuard(r.guard),
		task.WithMetrics(r.taskMetrics),
		task.WithLogger(r.logger),
	}

	var backends []nameservice.Backend
	for _, name := range r.cfg.NameService.Backends {
		switch name {
		case config.BackendLocal:
			r.local = nameservice.NewLocalBackend()
			backends = append(backends, r.local)
		case config.BackendNATS:
			store, err := r.openNameStore(ctx, r.rpc.transport, r.cfg.NameService.Bucket)
			if err != nil {
				r.report("nameservice", err)
				return nil, errors.Wrap(err, "Runtime", "Initialize", "open name bucket "+r.cfg.NameService.Bucket)
			}
			clientOpts := r.rpc.clientOpts
			transport := r.rpc.transport
			r.kv = nameservice.NewKVBackend(store,
				func(reg nameservice.Registration) task.Remote {
					return natsrpc.NewClient(reg.Name, transport, clientOpts...)
				},
				nameservice.WithConnectTimeout(r.cfg.NATS.ConnectTimeout),
				nameservice.WithHandleOptions(handleOpts...),
				nameservice.WithKVLogger(r.logger))
			backends = append(backends, r.kv)
		default:
			return nil, errors.WrapInvalid(fmt.Errorf("unknown name backend %q", name),
				"Runtime", "Initialize", "build resolver")
		}
	}
	backends = append(backends, r.extra...)

	resolver, err := nameservice.NewResolver(backends,
		nameservice.WithCleanupWorkers(r.cfg.NameService.CleanupWorkers),
		nameservice.WithGuard(r.guard),
		nameservice.WithMetrics(r.nsMetrics),
		nameservice.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	r.report("nameservice", nil)
	return resolver, nil
}

// createPseudoTask hosts, serves and registers the task representing this
// process. Callers hold r.mu.
func (r *Runtime) createPseudoTask(ctx context.Context, name string) error {
	r.pseudoMu.Lock()
	defer r.pseudoMu.Unlock()

	pseudo := task.NewLocalTask(name, task.WithModel("orocos::PseudoTask"))
	if err := r.host.Add(pseudo); err != nil {
		return errors.Wrap(err, "Runtime", "Initialize", "host pseudo task "+name)
	}
	if err := r.rpc.server.Serve(name); err != nil {
		r.host.Remove(name)
		return err
	}
	if r.local != nil {
		handle := task.NewHandle(name, pseudo,
			task.WithBackend(nameservice.LocalBackendName),
			task.WithGuard(r.guard),
			task.WithMetrics(r.taskMetrics),
			task.WithLogger(r.logger))
		if err := r.local.Register(ctx, name, handle); err != nil {
			_ = r.rpc.server.Unserve(name)
			r.host.Remove(name)
			return err
		}
	}
	if r.kv != nil {
		if err := r.kv.Register(ctx, name, nil); err != nil {
			r.logger.Warn("Cannot register pseudo task in the name bucket", "task", name, "error", err)
		}
	}
	r.pseudo = pseudo
	return nil
}

// WithPseudoTask runs fn with exclusive access to the task representing
// this process
func (r *Runtime) WithPseudoTask(fn func(t *task.LocalTask) error) error {
	r.pseudoMu.Lock()
	defer r.pseudoMu.Unlock()
	if r.pseudo == nil {
		return errors.WrapInvalid(fmt.Errorf("runtime not initialized"),
			"Runtime", "WithPseudoTask", "pseudo task lookup")
	}
	return fn(r.pseudo)
}

// ForbidBlockingCalls marks owner as not allowed to perform remote calls
// through handles created by this runtime
func (r *Runtime) ForbidBlockingCalls(owner *task.Owner) {
	r.guard.Forbid(owner)
}

// AllowBlockingCalls runs fn with the marker lifted, restoring it afterwards
func (r *Runtime) AllowBlockingCalls(ctx context.Context, fn func() error) error {
	return r.guard.Allow(ctx, fn)
}

// Handle wraps remote into a handle subject to the runtime's guard and
// metrics
func (r *Runtime) Handle(name string, remote task.Remote, opts ...task.Option) *task.Handle {
	base := []task.Option{
		task.WithGuard(r.guard),
		task.WithMetrics(r.taskMetrics),
		task.WithLogger(r.logger),
	}
	return task.NewHandle(name, remote, append(base, opts...)...)
}

// Resolve looks name up through the aggregate resolver
func (r *Runtime) Resolve(ctx context.Context, name string) (*task.Handle, error) {
	resolver := r.Resolver()
	if resolver == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("runtime not initialized"),
			"Runtime", "Resolve", "resolver lookup")
	}
	return resolver.Resolve(ctx, name)
}

// Cleanup removes dangling registrations from every backend
func (r *Runtime) Cleanup(ctx context.Context) ([]string, error) {
	resolver := r.Resolver()
	if resolver == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("runtime not initialized"),
			"Runtime", "Cleanup", "resolver lookup")
	}
	return resolver.Cleanup(ctx)
}

// Spawn starts a deployment. The child inherits the log file and target of
// this runtime unless spec.Env sets them.
func (r *Runtime) Spawn(ctx context.Context, spec process.DeploymentSpec) (*process.ManagedProcess, error) {
	r.mu.Lock()
	env := map[string]string{
		config.EnvTarget: r.cfg.Runtime.Target,
	}
	if r.logFile != "" {
		env[config.EnvLogFile] = r.logFile
	}
	r.mu.Unlock()

	maps.Copy(env, spec.Env)
	spec.Env = env
	return r.procs.Spawn(ctx, spec)
}

// WaitReady blocks until every task of the process spawned under name
// resolves
func (r *Runtime) WaitReady(ctx context.Context, name string) error {
	resolver := r.Resolver()
	if resolver == nil {
		return errors.WrapInvalid(fmt.Errorf("runtime not initialized"),
			"Runtime", "WaitReady", "resolver lookup")
	}
	return r.procs.WaitReady(ctx, name, resolver)
}

// startEventLoop consumes process deaths until stopEventLoop. Callers hold
// r.mu.
func (r *Runtime) startEventLoop(resolver *nameservice.Resolver) {
	if r.stopLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.stopLoop = cancel
	r.loopDone = done
	go r.eventLoop(ctx, resolver, done)
}

// stopEventLoop stops the loop and waits for running sweeps. Callers hold
// r.mu.
func (r *Runtime) stopEventLoop() {
	if r.stopLoop == nil {
		return
	}
	r.stopLoop()
	<-r.loopDone
	r.stopLoop = nil
	r.loopDone = nil
}

func (r *Runtime) eventLoop(ctx context.Context, resolver *nameservice.Resolver, done chan<- struct{}) {
	var sweeps sync.WaitGroup
	defer func() {
		sweeps.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.procs.Events():
			r.processDied(ev)
			sweeps.Add(1)
			go func() {
				defer sweeps.Done()
				r.sweep(ctx, resolver)
			}()
		}
	}
}

// processDied drops the connections of the tasks the dead process hosted
func (r *Runtime) processDied(ev process.Event) {
	forgotten := 0
	for _, name := range ev.Process.Tasks() {
		forgotten += r.connector.Forget(name)
	}
	r.logger.Info("Deployment died", "process", ev.Process.Name(), "pid", ev.Process.PID(),
		"status", ev.Status.String(), "connections_dropped", forgotten)
}

func (r *Runtime) sweep(ctx context.Context, resolver *nameservice.Resolver) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	pruned, err := resolver.Cleanup(ctx)
	if err != nil {
		r.recordError("nameservice", err)
		r.logger.Warn("Cleanup sweep failed", "error", err)
		return
	}
	if len(pruned) > 0 {
		r.logger.Info("Cleanup sweep removed dangling registrations", "tasks", pruned)
	}
}
