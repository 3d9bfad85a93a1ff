package nameservice

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// Backend is a registry mapping task names to handles. Lookup must fail
// with an error matching errors.ErrNotFound when the name is unknown or
// its registration is dangling.
type Backend interface {
	Name() string
	Lookup(ctx context.Context, name string) (*task.Handle, error)
	ListNames(ctx context.Context) ([]string, error)
	Register(ctx context.Context, name string, handle *task.Handle) error
	Unregister(ctx context.Context, name string) error
}

// DefaultCleanupWorkers bounds the concurrent lookups of a cleanup sweep
const DefaultCleanupWorkers = 8

// Resolver resolves task names across an ordered list of backends. The
// first backend knowing a name wins; results are never merged.
type Resolver struct {
	mu       sync.RWMutex
	backends []Backend

	pool    *ants.Pool
	guard   *task.Guard
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures a Resolver
type Option func(*resolverConfig)

type resolverConfig struct {
	workers int
	guard   *task.Guard
	metrics *Metrics
	logger  *slog.Logger
}

// WithCleanupWorkers sets how many lookups a cleanup sweep runs at once
func WithCleanupWorkers(n int) Option {
	return func(c *resolverConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithGuard rejects lookups made on behalf of the owner forbidden by
// guard. Resolving goes over the network just like any task call.
func WithGuard(g *task.Guard) Option {
	return func(c *resolverConfig) { c.guard = g }
}

// WithMetrics records lookup and pruning metrics
func WithMetrics(m *Metrics) Option {
	return func(c *resolverConfig) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *resolverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewResolver creates a resolver over backends, tried in the given order
func NewResolver(backends []Backend, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{workers: DefaultCleanupWorkers, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool, err := ants.NewPool(cfg.workers)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Resolver", "NewResolver", "create cleanup pool")
	}

	r := &Resolver{
		pool:    pool,
		guard:   cfg.guard,
		metrics: cfg.metrics,
		logger:  cfg.logger.With("component", "nameservice"),
	}
	for _, b := range backends {
		if err := r.Add(b); err != nil {
			pool.Release()
			return nil, err
		}
	}
	return r, nil
}

// Close releases the cleanup workers
func (r *Resolver) Close() {
	r.pool.Release()
}

// Add appends a backend. Backend names are unique.
func (r *Resolver) Add(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(b.Name()) >= 0 {
		return errors.WrapInvalid(fmt.Errorf("backend %s: %w", b.Name(), errors.ErrAlreadyInitialized),
			"Resolver", "Add", "backend registration")
	}
	r.backends = append(r.backends, b)
	return nil
}

// Remove drops a backend, reporting whether it was present
func (r *Resolver) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return false
	}
	r.backends = slices.Delete(r.backends, i, i+1)
	return true
}

// Backends returns the backends in resolution order
func (r *Resolver) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends)
}

// Backend returns the backend called name
func (r *Resolver) Backend(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(name); i >= 0 {
		return r.backends[i], true
	}
	return nil, false
}

// SetOrder moves the named backends to the front, in the given order.
// Backends not named keep their relative order behind them.
func (r *Resolver) SetOrder(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]Backend, 0, len(r.backends))
	for _, name := range names {
		i := r.indexOf(name)
		if i < 0 {
			return errors.WrapInvalid(fmt.Errorf("backend %s: %w", name, errors.ErrNotFound),
				"Resolver", "SetOrder", "backend lookup")
		}
		if slices.Contains(ordered, r.backends[i]) {
			continue
		}
		ordered = append(ordered, r.backends[i])
	}
	for _, b := range r.backends {
		if !slices.Contains(ordered, b) {
			ordered = append(ordered, b)
		}
	}
	r.backends = ordered
	return nil
}

func (r *Resolver) indexOf(name string) int {
	return slices.IndexFunc(r.backends, func(b Backend) bool { return b.Name() == name })
}

// Resolve returns a handle on task name from the first backend that knows
// it. Backend failures other than NotFound are logged and the next backend
// is tried; when nothing resolves, a communication failure seen on the way
// is returned instead of NotFound.
func (r *Resolver) Resolve(ctx context.Context, name string) (*task.Handle, error) {
	if err := r.guard.Check(ctx); err != nil {
		return nil, err
	}

	var comErr error
	for _, b := range r.Backends() {
		h, err := b.Lookup(ctx, name)
		r.metrics.recordLookup(b.Name(), err)
		if err == nil {
			return h, nil
		}
		if errors.IsNotFound(err) {
			continue
		}

		r.logger.Warn("Name service backend failed", "backend", b.Name(), "task", name, "error", err)
		if comErr == nil && errors.IsCom(err) {
			comErr = err
		}
	}

	if comErr != nil {
		return nil, errors.WrapTransient(comErr, "Resolver", "Resolve", "resolve "+name)
	}
	return nil, errors.WrapInvalid(fmt.Errorf("task %s: %w", name, errors.ErrNotFound),
		"Resolver", "Resolve", "name lookup")
}

// Names returns every name known to a backend, in first-seen order
func (r *Resolver) Names(ctx context.Context) ([]string, error) {
	if err := r.guard.Check(ctx); err != nil {
		return nil, err
	}

	var (
		names []string
		seen  = make(map[string]bool)
		errs  []error
	)
	for _, b := range r.Backends() {
		listed, err := b.ListNames(ctx)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "Resolver", "Names", "list "+b.Name()))
			continue
		}
		for _, n := range listed {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	if len(names) == 0 && len(errs) > 0 {
		return nil, errs[0]
	}
	return names, nil
}

// Cleanup removes dangling registrations. Each backend's names are looked
// up again concurrently; exactly the names whose lookup fails with NotFound
// are unregistered from that backend. Other failures leave the name alone.
// Returns the pruned names, sorted.
func (r *Resolver) Cleanup(ctx context.Context) ([]string, error) {
	if err := r.guard.Check(ctx); err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		pruned = make(map[string]bool)
		wg     sync.WaitGroup
	)

	for _, b := range r.Backends() {
		names, err := b.ListNames(ctx)
		if err != nil {
			r.logger.Warn("Skipping backend in cleanup", "backend", b.Name(), "error", err)
			continue
		}

		for _, name := range names {
			wg.Add(1)
			err := r.pool.Submit(func() {
				defer wg.Done()
				if !r.dangling(ctx, b, name) {
					return
				}
				mu.Lock()
				pruned[name] = true
				mu.Unlock()
			})
			if err != nil {
				wg.Done()
				wg.Wait()
				return nil, errors.WrapTransient(err, "Resolver", "Cleanup", "schedule lookup")
			}
		}
	}
	wg.Wait()

	out := make([]string, 0, len(pruned))
	for name := range pruned {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// dangling unregisters name from b when its lookup reports NotFound
func (r *Resolver) dangling(ctx context.Context, b Backend, name string) bool {
	_, err := b.Lookup(ctx, name)
	if err == nil || !errors.IsNotFound(err) {
		if err != nil {
			r.logger.Debug("Keeping unverifiable registration", "backend", b.Name(), "task", name, "error", err)
		}
		return false
	}

	if err := b.Unregister(ctx, name); err != nil {
		r.logger.Warn("Failed to remove dangling registration", "backend", b.Name(), "task", name, "error", err)
		return false
	}
	r.logger.Info("Removed dangling registration", "backend", b.Name(), "task", name, "reason", err)
	r.metrics.recordPruned(b.Name())
	return true
}
