package orocos

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/chhtz/tools-orocosrb/config"
	"github.com/chhtz/tools-orocosrb/connection"
	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/health"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/nameservice"
	"github.com/chhtz/tools-orocosrb/process"
	"github.com/chhtz/tools-orocosrb/task"
	"github.com/chhtz/tools-orocosrb/taskconf"
	"github.com/chhtz/tools-orocosrb/transport/natsrpc"
	"github.com/chhtz/tools-orocosrb/typekit"
)

// DefaultName is the log file stem used when Load gets no name
const DefaultName = "orocosrb"

// Runtime is the process-wide state of the control layer: the aggregate
// name resolver, the default configuration manager, the type registry, the
// process manager and the pseudo task. One Runtime is created per process
// and handed to whoever needs it.
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	getenv   func(string) string
	pid      int
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	taskMetrics *task.Metrics
	nsMetrics   *nameservice.Metrics
	rpcMetrics  *natsrpc.Metrics

	guard     *task.Guard
	types     *typekit.Registry
	procs     *process.Manager
	connector *connection.Connector
	host      *task.Host

	newTransport  TransportFactory
	openNameStore NameStoreFactory
	tracer        trace.TracerProvider
	extra         []nameservice.Backend
	procOpts      []process.Option

	mu          sync.Mutex
	loaded      bool
	initialized bool
	logFile     string
	conf        *taskconf.Manager
	extensions  map[string]struct{}
	maxSizes    map[string]map[string]int

	rpc *rpcLayer

	local    *nameservice.LocalBackend
	kv       *nameservice.KVBackend
	resolver *nameservice.Resolver

	pseudoMu sync.Mutex
	pseudo   *task.LocalTask

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetricsRegistry records the metrics of every component in registry
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Runtime) { r.registry = registry }
}

// WithHealthMonitor reports component health to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(r *Runtime) { r.monitor = monitor }
}

// WithEnv replaces the environment lookup (os.Getenv)
func WithEnv(getenv func(string) string) Option {
	return func(r *Runtime) { r.getenv = getenv }
}

// WithTransport replaces the NATS connection built by Initialize
func WithTransport(f TransportFactory) Option {
	return func(r *Runtime) { r.newTransport = f }
}

// WithTracerProvider records a span per RPC request
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) { r.tracer = tp }
}

// WithNameStore replaces how the KV store of the "nats" name backend is
// opened
func WithNameStore(f NameStoreFactory) Option {
	return func(r *Runtime) { r.openNameStore = f }
}

// WithBackends appends name backends after the configured ones
func WithBackends(backends ...nameservice.Backend) Option {
	return func(r *Runtime) { r.extra = append(r.extra, backends...) }
}

// WithProcessOptions passes options to the process manager
func WithProcessOptions(opts ...process.Option) Option {
	return func(r *Runtime) { r.procOpts = append(r.procOpts, opts...) }
}

// New creates a runtime from cfg. Nothing is loaded yet.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:           cfg.Clone(),
		logger:        slog.Default(),
		getenv:        os.Getenv,
		pid:           os.Getpid(),
		guard:         &task.Guard{},
		types:         typekit.NewRegistry(),
		newTransport:  natsTransport,
		openNameStore: natsNameStore,
		extensions:    make(map[string]struct{}),
		maxSizes:      make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runtime")

	var err error
	if r.taskMetrics, err = task.NewMetrics(r.registry); err != nil {
		return nil, err
	}
	if r.nsMetrics, err = nameservice.NewMetrics(r.registry); err != nil {
		return nil, err
	}
	if r.rpcMetrics, err = natsrpc.NewMetrics(r.registry); err != nil {
		return nil, err
	}
	connMetrics, err := connection.NewMetrics(r.registry)
	if err != nil {
		return nil, err
	}
	procMetrics, err := process.NewMetrics(r.registry)
	if err != nil {
		return nil, err
	}

	procOpts := []process.Option{
		process.WithPollInterval(r.cfg.Process.PollInterval),
		process.WithMetrics(procMetrics),
		process.WithLogger(r.logger),
	}
	r.procs = process.NewManager(append(procOpts, r.procOpts...)...)
	r.procOpts = nil
	r.connector = connection.NewConnector(r.types,
		connection.WithMetrics(connMetrics),
		connection.WithLogger(r.logger))
	r.host = task.NewHost(r.logger)

	return r, nil
}

// Load prepares the runtime: picks the log file, creates the default
// configuration manager, resets the caches and loads the std typekit plus
// the configured typekit and configuration directories. It fails with
// ErrAlreadyInitialized when already loaded.
func (r *Runtime) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(name)
}

func (r *Runtime) load(name string) error {
	if r.loaded {
		return errors.WrapInvalid(
			fmt.Errorf("%w: runtime already loaded, call Clear before loading again", errors.ErrAlreadyInitialized),
			"Runtime", "Load", "load check")
	}

	requested := r.getenv(config.EnvLogFile)
	if requested == "" {
		requested = r.cfg.Runtime.LogFile
	}
	if requested != "" && r.logFile != "" && requested != r.logFile {
		return errors.WrapFatal(
			fmt.Errorf("%w: log file changed from %s to %s", errors.ErrConfigConflict, r.logFile, requested),
			"Runtime", "Load", "log file check")
	}
	switch {
	case requested != "":
		r.logFile = requested
	case r.logFile == "":
		if name == "" {
			name = DefaultName
		}
		path, err := filepath.Abs(fmt.Sprintf("orocos.%s-%d.txt", name, r.pid))
		if err != nil {
			return errors.WrapFatal(err, "Runtime", "Load", "log file path")
		}
		r.logFile = path
	}

	r.conf = taskconf.NewManager(r.logger)
	clear(r.extensions)
	clear(r.maxSizes)
	r.types.Clear()

	if err := r.types.LoadTypekit(typekit.StdTypekit); err != nil {
		return err
	}
	if dir := r.cfg.Runtime.TypekitDir; dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return errors.WrapInvalid(err, "Runtime", "Load", "typekit directory")
		}
		if err := r.types.LoadDir(dir); err != nil {
			return err
		}
	}
	if dir := r.cfg.Runtime.ConfigDir; dir != "" {
		if err := r.conf.LoadDir(dir); err != nil {
			return err
		}
	}

	r.loaded = true
	r.recordStatus(metric.RuntimeLoaded)
	r.logger.Info("Runtime loaded", "log_file", r.logFile, "target", r.cfg.Runtime.Target,
		"typekits", r.types.Typekits())
	return nil
}

// Clear tears the runtime down: removes the log file unless kept, disposes
// the pseudo task, closes the RPC layer, drops the aggregate resolver and
// clears the caches. It is safe to call any number of times.
func (r *Runtime) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
}

func (r *Runtime) clear() {
	if r.logFile != "" && !r.cfg.Runtime.KeepLogFile {
		if err := os.Remove(r.logFile); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("Cannot remove log file", "path", r.logFile, "error", err)
		}
	}

	r.stopEventLoop()

	r.pseudoMu.Lock()
	if r.pseudo != nil {
		name := r.pseudo.Name()
		if r.rpc != nil {
			_ = r.rpc.server.Unserve(name)
		}
		if r.local != nil {
			_ = r.local.Unregister(context.Background(), name)
		}
		if r.kv != nil {
			if err := r.kv.Unregister(context.Background(), name); err != nil {
				r.logger.Debug("Cannot unregister pseudo task", "task", name, "error", err)
			}
		}
		r.host.Remove(name)
		r.connector.Forget(name)
		r.pseudo = nil
	}
	r.pseudoMu.Unlock()

	if r.rpc != nil {
		r.rpc.close(context.Background(), r.logger)
		r.rpc = nil
	}
	if r.resolver != nil {
		r.resolver.Close()
		r.resolver = nil
	}
	r.local = nil
	r.kv = nil

	clear(r.extensions)
	clear(r.maxSizes)

	wasLoaded := r.loaded
	r.loaded = false
	r.initialized = false
	r.recordStatus(metric.RuntimeCleared)
	if wasLoaded {
		r.logger.Info("Runtime cleared")
	}
}

// Reset clears then loads the runtime again
func (r *Runtime) Reset(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	return r.load(name)
}

// Shutdown stops the child watcher and clears the runtime. It gives up
// waiting when ctx ends; the teardown then completes in the background.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.procs.Close()

	done := make(chan struct{})
	go func() {
		r.Clear()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Runtime", "Shutdown", "clear runtime")
	}
}

// LoadConfigDir loads task configuration files into the default
// configuration manager
func (r *Runtime) LoadConfigDir(dir string) error {
	conf, err := r.loadedConf("LoadConfigDir")
	if err != nil {
		return err
	}
	return conf.LoadDir(dir)
}

func (r *Runtime) loadedConf(method string) (*taskconf.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil, errors.WrapInvalid(fmt.Errorf("runtime not loaded"), "Runtime", method, "load check")
	}
	return r.conf, nil
}

// LoadExtension records a typekit extension and loads its typekit the first
// time it is seen. Reports whether the extension was new. A missing
// typekit is not an error: not every extension ships one.
func (r *Runtime) LoadExtension(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.extensions[name]; known {
		return false, nil
	}
	r.extensions[name] = struct{}{}

	err := r.types.LoadTypekit(name)
	if err != nil && !errors.Is(err, errors.ErrTypekitNotFound) {
		return true, err
	}
	return true, nil
}

// Extensions returns the extensions seen since the last Load, sorted
func (r *Runtime) Extensions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.extensions))
}

// SetMaxSize records the maximum size of a variable-size field of a type.
// The sizes are cleared by Load and Clear.
func (r *Runtime) SetMaxSize(typeName, field string, size int) error {
	if size <= 0 {
		return errors.WrapInvalid(fmt.Errorf("max size %d of %s.%s must be positive", size, typeName, field),
			"Runtime", "SetMaxSize", "size check")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSizes[typeName] == nil {
		r.maxSizes[typeName] = make(map[string]int)
	}
	r.maxSizes[typeName][field] = size
	return nil
}

// MaxSizes returns the recorded max sizes of a type
func (r *Runtime) MaxSizes(typeName string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.maxSizes[typeName])
}

// SharedLibrarySuffix is the suffix of shared libraries on this platform
func SharedLibrarySuffix() string {
	return sharedLibrarySuffix(runtime.GOOS)
}

func sharedLibrarySuffix(goos string) string {
	switch goos {
	case "darwin", "ios":
		return "dylib"
	case "windows":
		return "dll"
	default:
		return "so"
	}
}

// Target returns the build target of the deployments
func (r *Runtime) Target() string { return r.cfg.Runtime.Target }

// Config returns a copy of the runtime configuration
func (r *Runtime) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Clone()
}

// LogFile returns the log file of this run, empty before the first Load
func (r *Runtime) LogFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logFile
}

// Loaded reports whether Load has completed
func (r *Runtime) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Initialized reports whether Initialize has completed
func (r *Runtime) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Resolver returns the aggregate resolver, nil before Initialize
func (r *Runtime) Resolver() *nameservice.Resolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolver
}

// Conf returns the default configuration manager, nil before Load
func (r *Runtime) Conf() *taskconf.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conf
}

// Processes returns the process manager
func (r *Runtime) Processes() *process.Manager { return r.procs }

// Connector returns the port connector
func (r *Runtime) Connector() *connection.Connector { return r.connector }

// Types returns the type registry
func (r *Runtime) Types() *typekit.Registry { return r.types }

// Host returns the host of the tasks living in this process
func (r *Runtime) Host() *task.Host { return r.host }

// Guard returns the blocking-call guard shared by every handle the runtime
// creates
func (r *Runtime) Guard() *task.Guard { return r.guard }

func (r *Runtime) recordStatus(status int) {
	if r.registry != nil {
		r.registry.CoreMetrics().RecordRuntimeStatus(status)
	}
}

func (r *Runtime) report(component string, err error) {
	if r.monitor != nil {
		r.monitor.Report(component, err)
	}
}

func (r *Runtime) recordError(component string, err error) {
	if r.registry != nil && err != nil {
		r.registry.CoreMetrics().RecordError(component, errors.Classify(err).String())
	}
}
