package nameservice

import (
	"context"
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// LocalBackendName is the name of the in-process backend
const LocalBackendName = "local"

// LocalBackend registers handles on task contexts living in this process.
type LocalBackend struct {
	handles cmap.ConcurrentMap[string, *task.Handle]
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates an empty local backend
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{handles: cmap.New[*task.Handle]()}
}

// Name returns "local"
func (l *LocalBackend) Name() string { return LocalBackendName }

// Lookup returns the handle registered under name. A handle whose task has
// been disposed is reported as not found.
func (l *LocalBackend) Lookup(ctx context.Context, name string) (*task.Handle, error) {
	h, ok := l.handles.Get(name)
	if !ok {
		return nil, fmt.Errorf("local task %s: %w", name, errors.ErrNotFound)
	}
	if err := h.Remote().Ping(ctx); err != nil {
		return nil, fmt.Errorf("local task %s is gone (%v): %w", name, err, errors.ErrNotFound)
	}
	return h, nil
}

// ListNames returns the registered names, sorted
func (l *LocalBackend) ListNames(_ context.Context) ([]string, error) {
	names := l.handles.Keys()
	sort.Strings(names)
	return names, nil
}

// Register stores handle under name, replacing any previous registration
func (l *LocalBackend) Register(_ context.Context, name string, handle *task.Handle) error {
	if handle == nil {
		return errors.WrapInvalid(fmt.Errorf("nil handle for %s", name), "LocalBackend", "Register", "registration")
	}
	l.handles.Set(name, handle)
	return nil
}

// Unregister removes name. Unknown names are ignored.
func (l *LocalBackend) Unregister(_ context.Context, name string) error {
	l.handles.Remove(name)
	return nil
}

// RegisterHost registers a handle on every task of host
func (l *LocalBackend) RegisterHost(ctx context.Context, host *task.Host, opts ...task.Option) error {
	opts = append([]task.Option{task.WithBackend(LocalBackendName)}, opts...)
	for _, name := range host.Names() {
		t, ok := host.Task(name)
		if !ok {
			continue
		}
		if err := l.Register(ctx, name, task.NewHandle(name, t, opts...)); err != nil {
			return err
		}
	}
	return nil
}
