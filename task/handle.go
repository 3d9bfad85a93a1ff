package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/chhtz/tools-orocosrb/errors"
)

// Handle is a client-side handle on a task context. It never caches the
// remote state: every transition re-queries it first. Handles are cheap and
// every name lookup may return a fresh one bound to the same remote.
type Handle struct {
	name    string
	backend string
	remote  Remote
	guard   *Guard
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Handle
type Option func(*Handle)

// WithBackend records the name of the backend the handle was resolved from
func WithBackend(backend string) Option {
	return func(h *Handle) {
		h.backend = backend
	}
}

// WithGuard makes every remote call pass the blocking-call guard
func WithGuard(guard *Guard) Option {
	return func(h *Handle) {
		h.guard = guard
	}
}

// WithMetrics records lifecycle transitions
func WithMetrics(m *Metrics) Option {
	return func(h *Handle) {
		h.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// NewHandle binds a handle to a remote task context
func NewHandle(name string, remote Remote, opts ...Option) *Handle {
	h := &Handle{
		name:   name,
		remote: remote,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "task", "task", name)
	return h
}

// Name returns the task name
func (h *Handle) Name() string { return h.name }

// Backend returns the name of the backend the handle was resolved from
func (h *Handle) Backend() string { return h.backend }

// Remote returns the underlying RPC binding
func (h *Handle) Remote() Remote { return h.remote }

// Output returns a reference to an output port of this task
func (h *Handle) Output(port string) PortRef {
	return PortRef{Task: h.name, Port: port}
}

// Input returns a reference to an input port of this task
func (h *Handle) Input(port string) PortRef {
	return PortRef{Task: h.name, Port: port}
}

// String returns the task name
func (h *Handle) String() string { return h.name }

// call runs one remote call behind the guard and gives communication
// failures the task's identity.
func (h *Handle) call(ctx context.Context, method string, fn func(context.Context) error) error {
	if err := h.guard.Check(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if errors.IsCom(err) {
			return errors.WrapTransient(errors.RefineCom(err, h.name), "Handle", method, "remote call")
		}
		return err
	}
	return nil
}

// Ping checks that the remote task can be reached
func (h *Handle) Ping(ctx context.Context) error {
	return h.call(ctx, "Ping", h.remote.Ping)
}

// State queries the current lifecycle state of the remote task
func (h *Handle) State(ctx context.Context) (State, error) {
	var state State
	err := h.call(ctx, "State", func(ctx context.Context) error {
		var err error
		state, err = h.remote.State(ctx)
		return err
	})
	if err != nil {
		return Unknown, err
	}
	return state, nil
}

type transition struct {
	name    string
	method  string
	from    []State
	failure error
	call    func(Remote, context.Context) error
}

var (
	configureTransition = transition{
		name: "configure", method: "Configure",
		from:    []State{PreOperational},
		failure: errors.ErrConfigureFailed,
		call:    Remote.Configure,
	}
	startTransition = transition{
		name: "start", method: "Start",
		from:    []State{Stopped},
		failure: errors.ErrStartFailed,
		call:    Remote.Start,
	}
	stopTransition = transition{
		name: "stop", method: "Stop",
		from:    []State{Running, RuntimeError},
		failure: errors.ErrStopFailed,
		call:    Remote.Stop,
	}
	cleanupTransition = transition{
		name: "cleanup", method: "Cleanup",
		from:    []State{Stopped},
		failure: errors.ErrCleanupFailed,
		call:    Remote.Cleanup,
	}
	resetTransition = transition{
		name: "reset", method: "Reset",
		from:    []State{Exception, FatalError},
		failure: errors.ErrStateTransitionFailed,
		call:    Remote.ResetException,
	}
)

// Configure moves the task from PRE_OPERATIONAL to STOPPED
func (h *Handle) Configure(ctx context.Context) error {
	return h.transition(ctx, configureTransition)
}

// Start moves the task from STOPPED to RUNNING
func (h *Handle) Start(ctx context.Context) error {
	return h.transition(ctx, startTransition)
}

// Stop moves the task from RUNNING or RUNTIME_ERROR to STOPPED
func (h *Handle) Stop(ctx context.Context) error {
	return h.transition(ctx, stopTransition)
}

// Cleanup moves the task from STOPPED to PRE_OPERATIONAL
func (h *Handle) Cleanup(ctx context.Context) error {
	return h.transition(ctx, cleanupTransition)
}

// Reset leaves EXCEPTION or FATAL_ERROR. It is the only transition those
// states allow.
func (h *Handle) Reset(ctx context.Context) error {
	return h.transition(ctx, resetTransition)
}

func (h *Handle) transition(ctx context.Context, t transition) (err error) {
	start := time.Now()
	defer func() {
		h.metrics.record(t.name, start, err)
	}()

	state, err := h.State(ctx)
	if err != nil {
		return err
	}

	if !slices.Contains(t.from, state) {
		failure := t.failure
		if state.NeedsReset() {
			failure = errors.ErrStateTransitionFailed
		}
		return errors.WrapFatal(
			fmt.Errorf("%w: cannot %s %s in state %s", failure, t.name, h.name, state),
			"Handle", t.method, "state check")
	}

	err = h.call(ctx, t.method, func(ctx context.Context) error {
		return t.call(h.remote, ctx)
	})
	if err == nil {
		h.logger.Debug("Lifecycle transition done", "transition", t.name, "from", state)
		return nil
	}
	if errors.IsCom(err) || errors.Is(err, errors.ErrThread) {
		return err
	}
	return errors.WrapFatal(fmt.Errorf("%w: %s of %s rejected: %w", t.failure, t.name, h.name, err),
		"Handle", t.method, "remote transition")
}

// Invoke calls an operation of the remote task and returns its raw result
func (h *Handle) Invoke(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	var result json.RawMessage
	err := h.call(ctx, "Invoke", func(ctx context.Context) error {
		var err error
		result, err = h.remote.Invoke(ctx, operation, args...)
		return err
	})
	if err != nil {
		if errors.IsCom(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "Handle", "Invoke", fmt.Sprintf("operation %s.%s", h.name, operation))
	}
	return result, nil
}

// Property returns the current value of a property
func (h *Handle) Property(ctx context.Context, name string) (any, error) {
	var value any
	err := h.call(ctx, "Property", func(ctx context.Context) error {
		var err error
		value, err = h.remote.Property(ctx, name)
		return err
	})
	return value, err
}

// SetProperty writes a property. A remote refusal is reported as
// ErrPropertyChangeRejected.
func (h *Handle) SetProperty(ctx context.Context, name string, value any) error {
	err := h.call(ctx, "SetProperty", func(ctx context.Context) error {
		return h.remote.SetProperty(ctx, name, value)
	})
	if err == nil || errors.IsCom(err) || errors.Is(err, errors.ErrThread) || errors.IsNotFound(err) {
		return err
	}
	return errors.WrapFatal(
		fmt.Errorf("%w: %s.%s: %w", errors.ErrPropertyChangeRejected, h.name, name, err),
		"Handle", "SetProperty", "remote property write")
}

// Properties lists the properties of the task
func (h *Handle) Properties(ctx context.Context) ([]PropertyInfo, error) {
	var props []PropertyInfo
	err := h.call(ctx, "Properties", func(ctx context.Context) error {
		var err error
		props, err = h.remote.Properties(ctx)
		return err
	})
	return props, err
}

// Ports lists the ports of the task
func (h *Handle) Ports(ctx context.Context) ([]PortInfo, error) {
	var ports []PortInfo
	err := h.call(ctx, "Ports", func(ctx context.Context) error {
		var err error
		ports, err = h.remote.Ports(ctx)
		return err
	})
	return ports, err
}

// Port returns the description of one port
func (h *Handle) Port(ctx context.Context, name string) (PortInfo, error) {
	ports, err := h.Ports(ctx)
	if err != nil {
		return PortInfo{}, err
	}
	return findPort(ports, h.name, name)
}

// Read reads an input port of the task
func (h *Handle) Read(ctx context.Context, port string) (Sample, error) {
	var sample Sample
	err := h.call(ctx, "Read", func(ctx context.Context) error {
		var err error
		sample, err = h.remote.Read(ctx, port)
		return err
	})
	return sample, err
}

// Write writes a sample on an output port of the task
func (h *Handle) Write(ctx context.Context, port string, value any) error {
	return h.call(ctx, "Write", func(ctx context.Context) error {
		return h.remote.Write(ctx, port, value)
	})
}

// Connect asks the task to create its half of a connection
func (h *Handle) Connect(ctx context.Context, req ConnectionRequest) error {
	return h.call(ctx, "Connect", func(ctx context.Context) error {
		return h.remote.Connect(ctx, req)
	})
}

// Disconnect asks the task to drop its half of a connection
func (h *Handle) Disconnect(ctx context.Context, port, id string) error {
	return h.call(ctx, "Disconnect", func(ctx context.Context) error {
		return h.remote.Disconnect(ctx, port, id)
	})
}

func interfaceObjectNotFound(task, name string) error {
	return &errors.InterfaceObjectNotFound{Task: task, Name: name}
}
