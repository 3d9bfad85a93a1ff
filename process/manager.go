package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ps "github.com/shirou/gopsutil/v3/process"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// ErrProcessDied is returned when waiting on a process that died
var ErrProcessDied = errors.New("process died")

// DefaultEventBuffer is the capacity of the Events channel
const DefaultEventBuffer = 64

// Resolver resolves task names, see nameservice.Resolver
type Resolver interface {
	Resolve(ctx context.Context, name string) (*task.Handle, error)
}

// Manager supervises deployment processes. It records which tasks each
// process is expected to host and learns about deaths from its watcher.
// It never touches task handles: a death only marks the process and emits
// an Event, and name service cleanup takes care of stale registrations.
type Manager struct {
	launcher Launcher
	watcher  *Watcher
	events   chan Event
	metrics  *Metrics
	logger   *slog.Logger

	readyInterval    time.Duration
	readyMaxInterval time.Duration

	mu     sync.RWMutex
	byPID  map[int]*ManagedProcess
	byName map[string]*ManagedProcess
}

// Option configures a Manager
type Option func(*managerConfig)

type managerConfig struct {
	launcher     Launcher
	pollInterval time.Duration
	queueSize    uint64
	eventBuffer  int
	readyInitial time.Duration
	readyMax     time.Duration
	metrics      *Metrics
	logger       *slog.Logger
}

// WithLauncher replaces the exec launcher
func WithLauncher(l Launcher) Option {
	return func(c *managerConfig) { c.launcher = l }
}

// WithPollInterval sets how often the watcher checks children
func WithPollInterval(d time.Duration) Option {
	return func(c *managerConfig) { c.pollInterval = d }
}

// WithQueueSize sets the capacity of the watcher's death ring
func WithQueueSize(n uint64) Option {
	return func(c *managerConfig) { c.queueSize = n }
}

// WithEventBuffer sets the capacity of the Events channel
func WithEventBuffer(n int) Option {
	return func(c *managerConfig) {
		if n >= 0 {
			c.eventBuffer = n
		}
	}
}

// WithReadyBackoff bounds the retry intervals of WaitReady
func WithReadyBackoff(initial, maxInterval time.Duration) Option {
	return func(c *managerConfig) {
		c.readyInitial = initial
		c.readyMax = maxInterval
	}
}

// WithMetrics records process metrics
func WithMetrics(m *Metrics) Option {
	return func(c *managerConfig) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *managerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewManager creates a manager. The watcher is not started.
func NewManager(opts ...Option) *Manager {
	cfg := managerConfig{
		launcher:     &ExecLauncher{},
		pollInterval: DefaultPollInterval,
		queueSize:    DefaultQueueSize,
		eventBuffer:  DefaultEventBuffer,
		readyInitial: 50 * time.Millisecond,
		readyMax:     time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		launcher:         cfg.launcher,
		watcher:          NewWatcher(cfg.pollInterval, cfg.queueSize, cfg.logger),
		events:           make(chan Event, cfg.eventBuffer),
		metrics:          cfg.metrics,
		logger:           cfg.logger.With("component", "process-manager"),
		readyInterval:    cfg.readyInitial,
		readyMaxInterval: cfg.readyMax,
		byPID:            make(map[int]*ManagedProcess),
		byName:           make(map[string]*ManagedProcess),
	}
}

// StartWatcher starts reaping children. Deaths are reported through Dead.
func (m *Manager) StartWatcher() error {
	return m.watcher.Start(func(d Death) { m.Dead(d.PID, d.Status) })
}

// StopWatcher stops reaping children
func (m *Manager) StopWatcher() { m.watcher.Stop() }

// WatcherRunning reports whether children are being reaped
func (m *Manager) WatcherRunning() bool { return m.watcher.Running() }

// Close stops the watcher
func (m *Manager) Close() { m.StopWatcher() }

// Events delivers one Event per process death. Events are dropped when
// nobody reads them and the buffer is full.
func (m *Manager) Events() <-chan Event { return m.events }

// Spawn validates spec, launches the process and starts watching it
func (m *Manager) Spawn(ctx context.Context, spec DeploymentSpec) (*ManagedProcess, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	existing := m.byName[spec.Name]
	m.mu.RUnlock()
	if existing != nil && existing.Alive() {
		return nil, errors.WrapInvalid(fmt.Errorf("process %s: %w", existing, errors.ErrAlreadyInitialized),
			"Manager", "Spawn", "launch "+spec.Name)
	}

	pid, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}

	p := newManagedProcess(spec.Name, pid, spec.Tasks)
	m.mu.Lock()
	if existing != nil {
		delete(m.byPID, existing.pid)
	}
	m.byPID[pid] = p
	m.byName[spec.Name] = p
	m.mu.Unlock()

	m.watcher.Watch(pid)
	m.metrics.recordSpawn()
	m.logger.Info("Spawned process", "name", spec.Name, "pid", pid, "tasks", spec.Tasks)
	return p, nil
}

// FromPID returns the process with the given pid, nil when unknown
func (m *Manager) FromPID(pid int) *ManagedProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byPID[pid]
}

// Process returns the process spawned under name
func (m *Manager) Process(name string) (*ManagedProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byName[name]
	return p, ok
}

// Processes returns every known process, dead ones included, sorted by name
func (m *Manager) Processes() []*ManagedProcess {
	m.mu.RLock()
	out := make([]*ManagedProcess, 0, len(m.byName))
	for _, p := range m.byName {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Dead records the death of pid. It only does bookkeeping and never
// blocks; it returns false when pid is unknown or already dead.
func (m *Manager) Dead(pid int, status ExitStatus) bool {
	p := m.FromPID(pid)
	if p == nil {
		return false
	}
	m.watcher.Unwatch(pid)
	if !p.markDead(status) {
		return false
	}

	m.metrics.recordDeath(status)
	m.logger.Info("Process died", "name", p.name, "pid", pid, "status", status.String())

	select {
	case m.events <- Event{Process: p, Status: status}:
	default:
		m.logger.Warn("Event buffer full, dropping death event", "name", p.name, "pid", pid)
	}
	return true
}

// Alive asks the OS whether pid exists and is not a zombie
func (m *Manager) Alive(pid int) bool {
	proc, err := ps.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return false
	}
	return !slices.Contains(status, ps.Zombie)
}

// WaitReady blocks until every task of process name resolves, retrying
// with exponential backoff until ctx ends. It fails early when the
// process dies.
func (m *Manager) WaitReady(ctx context.Context, name string, resolver Resolver) error {
	p, ok := m.Process(name)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("process %s: %w", name, errors.ErrNotFound),
			"Manager", "WaitReady", "process lookup")
	}

	pending := p.Tasks()
	operation := func() error {
		if status, dead := p.Status(); dead {
			return backoff.Permanent(fmt.Errorf("process %s %s: %w", p, status, ErrProcessDied))
		}

		remaining := pending[:0]
		for _, taskName := range pending {
			_, err := resolver.Resolve(ctx, taskName)
			switch {
			case err == nil:
			case errors.IsNotFound(err), errors.IsCom(err):
				remaining = append(remaining, taskName)
			default:
				return backoff.Permanent(err)
			}
		}
		pending = remaining
		if len(pending) > 0 {
			return fmt.Errorf("tasks %v of %s not registered yet", pending, p)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.readyInterval
	policy.MaxInterval = m.readyMaxInterval
	policy.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, ErrProcessDied) {
			return errors.WrapFatal(err, "Manager", "WaitReady", "wait for "+name)
		}
		return errors.WrapTransient(fmt.Errorf("tasks %v: %w", pending, err), "Manager", "WaitReady", "wait for "+name)
	}
	m.logger.Debug("Process ready", "name", name)
	return nil
}

// Kill sends sig to process name. While the watcher runs, Kill then waits
// for the death notification or for ctx to end.
func (m *Manager) Kill(ctx context.Context, name string, sig os.Signal) error {
	p, ok := m.Process(name)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("process %s: %w", name, errors.ErrNotFound),
			"Manager", "Kill", "process lookup")
	}
	if !p.Alive() {
		return nil
	}

	proc, err := os.FindProcess(p.pid)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "Kill", "find "+p.String())
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.WrapTransient(err, "Manager", "Kill", "signal "+p.String())
	}
	m.logger.Debug("Signaled process", "name", name, "pid", p.pid, "signal", sig)

	if !m.watcher.Running() {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Manager", "Kill", "wait for "+p.String())
	}
}
