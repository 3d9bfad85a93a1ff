package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/policy"
)

// Forwarder delivers a sample to a port that is not hosted in this process
type Forwarder func(ctx context.Context, to PortRef, id string, value any) error

// Host owns the task contexts living in this process and moves samples
// between their ports.
type Host struct {
	mu      sync.RWMutex
	tasks   map[string]*LocalTask
	forward Forwarder
	logger  *slog.Logger
}

// NewHost creates an empty host
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		tasks:  make(map[string]*LocalTask),
		logger: logger.With("component", "task-host"),
	}
}

// SetForwarder sets the function used for peers outside this process
func (h *Host) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = f
}

// Add hosts a task. Names are unique within a host.
func (h *Host) Add(t *LocalTask) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.tasks[t.name]; exists {
		return errors.WrapInvalid(fmt.Errorf("task %s: %w", t.name, errors.ErrAlreadyInitialized),
			"Host", "Add", "task registration")
	}
	t.mu.Lock()
	t.host = h
	t.mu.Unlock()
	h.tasks[t.name] = t
	return nil
}

// Task returns a hosted task
func (h *Host) Task(name string) (*LocalTask, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tasks[name]
	return t, ok
}

// Names returns the names of the hosted tasks, sorted
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.tasks))
	for name := range h.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove disposes a hosted task. Removing an unknown task is a no-op.
func (h *Host) Remove(name string) {
	h.mu.Lock()
	t, ok := h.tasks[name]
	delete(h.tasks, name)
	h.mu.Unlock()
	if ok {
		t.Dispose()
	}
}

// Close disposes every hosted task
func (h *Host) Close() {
	for _, name := range h.Names() {
		h.Remove(name)
	}
}

// Deliver pushes a sample into the input side of connection id on port to
func (h *Host) Deliver(ctx context.Context, to PortRef, id string, value any) error {
	if t, ok := h.Task(to.Task); ok {
		return t.deliver(to.Port, id, value)
	}

	h.mu.RLock()
	forward := h.forward
	h.mu.RUnlock()
	if forward == nil {
		return errors.NewComError(fmt.Errorf("no route to %s", to), to.Task)
	}
	return forward(ctx, to, id, value)
}

// Hooks are the user callbacks of a LocalTask's state machine. A hook
// returning an error refuses the transition.
type Hooks struct {
	Configure func(ctx context.Context) error
	Start     func(ctx context.Context) error
	Stop      func(ctx context.Context) error
	Cleanup   func(ctx context.Context) error
	Reset     func(ctx context.Context) error
}

type property struct {
	info  PropertyInfo
	check func(any) error
}

type writerConn struct {
	id     string
	peer   PortRef
	policy policy.Resolved
}

type readerConn struct {
	id      string
	policy  policy.Resolved
	queue   []any
	last    any
	hasLast bool
	fresh   bool
	dropped int
}

type localPort struct {
	info    PortInfo
	writers []*writerConn
	readers []*readerConn
	last    any
	hasLast bool
}

func (p *localPort) connections() int {
	return len(p.writers) + len(p.readers)
}

// LocalTask is a task context implemented in this process. It implements
// Remote, so it can be driven through a Handle like any other task.
type LocalTask struct {
	name  string
	model string

	mu       sync.Mutex
	host     *Host
	state    State
	hooks    Hooks
	ports    map[string]*localPort
	props    map[string]*property
	ops      map[string]Operation
	disposed bool
}

var _ Remote = (*LocalTask)(nil)

// LocalOption configures a LocalTask
type LocalOption func(*LocalTask)

// WithModel sets the task model name, used to look up configuration sections
func WithModel(model string) LocalOption {
	return func(t *LocalTask) {
		t.model = model
	}
}

// WithHooks installs the lifecycle callbacks
func WithHooks(hooks Hooks) LocalOption {
	return func(t *LocalTask) {
		t.hooks = hooks
	}
}

// WithInitialState overrides the initial PRE_OPERATIONAL state. Tasks that
// need no configuration start STOPPED.
func WithInitialState(state State) LocalOption {
	return func(t *LocalTask) {
		t.state = state
	}
}

// NewLocalTask creates a task context in PRE_OPERATIONAL
func NewLocalTask(name string, opts ...LocalOption) *LocalTask {
	t := &LocalTask{
		name:  name,
		state: PreOperational,
		ports: make(map[string]*localPort),
		props: make(map[string]*property),
		ops:   make(map[string]Operation),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name
func (t *LocalTask) Name() string { return t.name }

// Model returns the task model name
func (t *LocalTask) Model() string { return t.model }

// AddPort declares a port
func (t *LocalTask) AddPort(name string, dir Direction, typeName string, preferred *policy.Policy) error {
	if dir != DirectionInput && dir != DirectionOutput {
		return errors.WrapInvalid(fmt.Errorf("port %s.%s: unknown direction %q", t.name, name, dir),
			"LocalTask", "AddPort", "port declaration")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFree(name); err != nil {
		return err
	}
	t.ports[name] = &localPort{info: PortInfo{
		Name:      name,
		Direction: dir,
		TypeName:  typeName,
		Preferred: preferred,
	}}
	return nil
}

// AddProperty declares a property. check, when set, validates new values.
func (t *LocalTask) AddProperty(name, typeName string, value any, check func(any) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFree(name); err != nil {
		return err
	}
	t.props[name] = &property{
		info:  PropertyInfo{Name: name, TypeName: typeName, Value: value},
		check: check,
	}
	return nil
}

// AddOperation declares an operation
func (t *LocalTask) AddOperation(name string, op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkFree(name); err != nil {
		return err
	}
	t.ops[name] = op
	return nil
}

func (t *LocalTask) checkFree(name string) error {
	_, port := t.ports[name]
	_, prop := t.props[name]
	_, op := t.ops[name]
	if port || prop || op {
		return errors.WrapInvalid(fmt.Errorf("%s.%s: %w", t.name, name, errors.ErrAmbiguousName),
			"LocalTask", "declare", "interface object declaration")
	}
	return nil
}

// Dispose makes every later call fail as if the process hosting the task
// had gone away.
func (t *LocalTask) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	for _, p := range t.ports {
		p.writers = nil
		p.readers = nil
	}
}

// Disposed reports whether Dispose was called
func (t *LocalTask) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

func (t *LocalTask) gone() error {
	return errors.NewComError(fmt.Errorf("task %s has been disposed", t.name), t.name)
}

// Ping succeeds while the task is alive
func (t *LocalTask) Ping(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return t.gone()
	}
	return nil
}

// State returns the current state
func (t *LocalTask) State(_ context.Context) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return Unknown, t.gone()
	}
	return t.state, nil
}

// step runs a state transition. The hook runs without the lock held so it
// may use the task's own ports.
func (t *LocalTask) step(ctx context.Context, op string, from []State, to func(State) State,
	hook func(context.Context) error) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return t.gone()
	}
	current := t.state
	if !slices.Contains(from, current) {
		t.mu.Unlock()
		return fmt.Errorf("%s: %s is not allowed in state %s", t.name, op, current)
	}
	t.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("%s: %s hook: %w", t.name, op, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != current {
		return fmt.Errorf("%s: state changed to %s during %s", t.name, t.state, op)
	}
	t.state = to(current)
	return nil
}

func always(s State) func(State) State {
	return func(State) State { return s }
}

// Configure moves PRE_OPERATIONAL to STOPPED
func (t *LocalTask) Configure(ctx context.Context) error {
	return t.step(ctx, "configure", []State{PreOperational}, always(Stopped), t.hooks.Configure)
}

// Start moves STOPPED to RUNNING
func (t *LocalTask) Start(ctx context.Context) error {
	return t.step(ctx, "start", []State{Stopped}, always(Running), t.hooks.Start)
}

// Stop moves RUNNING or RUNTIME_ERROR to STOPPED
func (t *LocalTask) Stop(ctx context.Context) error {
	return t.step(ctx, "stop", []State{Running, RuntimeError}, always(Stopped), t.hooks.Stop)
}

// Cleanup moves STOPPED to PRE_OPERATIONAL
func (t *LocalTask) Cleanup(ctx context.Context) error {
	return t.step(ctx, "cleanup", []State{Stopped}, always(PreOperational), t.hooks.Cleanup)
}

// ResetException leaves EXCEPTION to STOPPED and FATAL_ERROR to PRE_OPERATIONAL
func (t *LocalTask) ResetException(ctx context.Context) error {
	return t.step(ctx, "reset", []State{Exception, FatalError}, func(s State) State {
		if s == FatalError {
			return PreOperational
		}
		return Stopped
	}, t.hooks.Reset)
}

// Fail reports a recoverable runtime error; only valid while RUNNING
func (t *LocalTask) Fail() bool {
	return t.force([]State{Running}, RuntimeError)
}

// Recover leaves RUNTIME_ERROR back to RUNNING
func (t *LocalTask) Recover() bool {
	return t.force([]State{RuntimeError}, Running)
}

// Exception puts the task in EXCEPTION from any operational state
func (t *LocalTask) Exception() bool {
	return t.force([]State{PreOperational, Stopped, Running, RuntimeError}, Exception)
}

// Fatal puts the task in FATAL_ERROR
func (t *LocalTask) Fatal() bool {
	return t.force([]State{PreOperational, Stopped, Running, RuntimeError, Exception}, FatalError)
}

func (t *LocalTask) force(from []State, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || !slices.Contains(from, t.state) {
		return false
	}
	t.state = to
	return true
}

// Invoke calls an operation and returns its JSON-encoded result
func (t *LocalTask) Invoke(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil, t.gone()
	}
	op, ok := t.ops[operation]
	t.mu.Unlock()
	if !ok {
		return nil, interfaceObjectNotFound(t.name, operation)
	}

	result, err := op(ctx, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: encode result: %w", t.name, operation, err)
	}
	return raw, nil
}

// Property returns a property value
func (t *LocalTask) Property(_ context.Context, name string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil, t.gone()
	}
	p, ok := t.props[name]
	if !ok {
		return nil, interfaceObjectNotFound(t.name, name)
	}
	return p.info.Value, nil
}

// SetProperty changes a property value after running its check
func (t *LocalTask) SetProperty(_ context.Context, name string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return t.gone()
	}
	p, ok := t.props[name]
	if !ok {
		return interfaceObjectNotFound(t.name, name)
	}
	if p.check != nil {
		if err := p.check(value); err != nil {
			return fmt.Errorf("%s.%s: %w", t.name, name, err)
		}
	}
	p.info.Value = value
	return nil
}

// Properties lists the properties, sorted by name
func (t *LocalTask) Properties(_ context.Context) ([]PropertyInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil, t.gone()
	}
	out := make([]PropertyInfo, 0, len(t.props))
	for _, p := range t.props {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ports lists the ports, sorted by name
func (t *LocalTask) Ports(_ context.Context) ([]PortInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil, t.gone()
	}
	out := make([]PortInfo, 0, len(t.ports))
	for _, p := range t.ports {
		info := p.info
		info.Connections = p.connections()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *LocalTask) port(name string, dir Direction) (*localPort, error) {
	p, ok := t.ports[name]
	if !ok {
		return nil, interfaceObjectNotFound(t.name, name)
	}
	if p.info.Direction != dir {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s.%s is an %s port", errors.ErrPolicy, t.name, name, p.info.Direction),
			"LocalTask", "port", "direction check")
	}
	return p, nil
}

// Read returns the next sample of an input port. Connections are scanned in
// creation order; the first one holding new data wins.
func (t *LocalTask) Read(_ context.Context, port string) (Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return Sample{}, t.gone()
	}
	p, err := t.port(port, DirectionInput)
	if err != nil {
		return Sample{}, err
	}

	for _, r := range p.readers {
		if r.policy.Transport == policy.TransportBuffer && len(r.queue) > 0 {
			v := r.queue[0]
			r.queue = r.queue[1:]
			r.last, r.hasLast = v, true
			return Sample{Status: NewData, Value: v}, nil
		}
		if r.fresh {
			r.fresh = false
			return Sample{Status: NewData, Value: r.last}, nil
		}
	}
	for _, r := range p.readers {
		if r.hasLast {
			return Sample{Status: OldData, Value: r.last}, nil
		}
	}
	return Sample{Status: NoData}, nil
}

type delivery struct {
	to    PortRef
	id    string
	value any
}

// Write publishes a sample on an output port to every connected reader.
// Delivery failures are logged; a writer never fails because of a reader.
func (t *LocalTask) Write(ctx context.Context, port string, value any) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return t.gone()
	}
	p, err := t.port(port, DirectionOutput)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	p.last, p.hasLast = value, true
	out := make([]delivery, 0, len(p.writers))
	for _, w := range p.writers {
		out = append(out, delivery{to: w.peer, id: w.id, value: value})
	}
	host := t.host
	t.mu.Unlock()

	t.send(ctx, host, out)
	return nil
}

func (t *LocalTask) send(ctx context.Context, host *Host, out []delivery) {
	if host == nil {
		return
	}
	for _, d := range out {
		if err := host.Deliver(ctx, d.to, d.id, d.value); err != nil {
			host.logger.Warn("Sample delivery failed",
				"from", t.name, "to", d.to.String(), "connection", d.id, "error", err)
		}
	}
}

func (t *LocalTask) deliver(port, id string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return t.gone()
	}
	p, err := t.port(port, DirectionInput)
	if err != nil {
		return err
	}
	for _, r := range p.readers {
		if r.id != id {
			continue
		}
		if r.policy.Transport == policy.TransportBuffer {
			if len(r.queue) >= r.policy.Size {
				r.dropped++
				return nil
			}
			r.queue = append(r.queue, value)
			return nil
		}
		r.last, r.hasLast, r.fresh = value, true, true
		return nil
	}
	return fmt.Errorf("%s.%s: no connection %s", t.name, port, id)
}

// Connect creates this task's half of a connection. Creating an existing
// half again is a no-op.
func (t *LocalTask) Connect(ctx context.Context, req ConnectionRequest) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return t.gone()
	}

	switch req.Role {
	case RoleReader:
		defer t.mu.Unlock()
		p, err := t.port(req.Port, DirectionInput)
		if err != nil {
			return err
		}
		for _, r := range p.readers {
			if r.id == req.ID {
				return nil
			}
		}
		p.readers = append(p.readers, &readerConn{id: req.ID, policy: req.Policy})
		return nil

	case RoleWriter:
		p, err := t.port(req.Port, DirectionOutput)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		for _, w := range p.writers {
			if w.id == req.ID {
				t.mu.Unlock()
				return nil
			}
		}
		p.writers = append(p.writers, &writerConn{id: req.ID, peer: req.Peer, policy: req.Policy})
		var out []delivery
		if req.Policy.Init && p.hasLast {
			out = append(out, delivery{to: req.Peer, id: req.ID, value: p.last})
		}
		host := t.host
		t.mu.Unlock()
		t.send(ctx, host, out)
		return nil

	default:
		t.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("unknown connection role %q", req.Role),
			"LocalTask", "Connect", "role check")
	}
}

// Disconnect drops this task's half of connection id. Unknown ids are ignored.
func (t *LocalTask) Disconnect(_ context.Context, port, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return t.gone()
	}
	p, ok := t.ports[port]
	if !ok {
		return interfaceObjectNotFound(t.name, port)
	}
	p.writers = slices.DeleteFunc(p.writers, func(w *writerConn) bool { return w.id == id })
	p.readers = slices.DeleteFunc(p.readers, func(r *readerConn) bool { return r.id == id })
	return nil
}

// Dropped returns how many samples full buffers on an input port discarded
func (t *LocalTask) Dropped(port string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.ports[port]
	if !ok {
		return 0
	}
	n := 0
	for _, r := range p.readers {
		n += r.dropped
	}
	return n
}
