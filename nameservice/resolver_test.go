package nameservice

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/task"
	mocks "github.com/chhtz/tools-orocosrb/testutil"
)

// fakeBackend answers lookups from a table. A name mapped to a nil error
// resolves; any other error is returned as is.
type fakeBackend struct {
	name string

	mu           sync.Mutex
	entries      map[string]error
	listErr      error
	lookups      []string
	unregistered []string
}

func newFakeBackend(name string, entries map[string]error) *fakeBackend {
	if entries == nil {
		entries = make(map[string]error)
	}
	return &fakeBackend{name: name, entries: entries}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Lookup(_ context.Context, name string) (*task.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, name)
	err, ok := f.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, errors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task.NewHandle(name, mocks.NewMockRemote(name, task.Stopped), task.WithBackend(f.name)), nil
}

func (f *fakeBackend) ListNames(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.entries))
	for n := range f.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeBackend) Register(_ context.Context, name string, _ *task.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[name] = nil
	return nil
}

func (f *fakeBackend) Unregister(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, name)
	f.unregistered = append(f.unregistered, name)
	return nil
}

func (f *fakeBackend) lookedUp() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

func (f *fakeBackend) removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.unregistered...)
	sort.Strings(out)
	return out
}

func newResolver(t *testing.T, backends ...Backend) *Resolver {
	t.Helper()
	r, err := NewResolver(backends)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestResolver_FirstHitWins(t *testing.T) {
	ctx := context.Background()
	first := newFakeBackend("first", map[string]error{"camera": nil})
	second := newFakeBackend("second", map[string]error{"camera": nil, "imu": nil})
	r := newResolver(t, first, second)

	h, err := r.Resolve(ctx, "camera")
	require.NoError(t, err)
	assert.Equal(t, "first", h.Backend())
	assert.Empty(t, second.lookedUp(), "second backend must not be asked once first resolves")

	h, err = r.Resolve(ctx, "imu")
	require.NoError(t, err)
	assert.Equal(t, "second", h.Backend())
}

func TestResolver_NotFound(t *testing.T) {
	r := newResolver(t, newFakeBackend("a", nil), newFakeBackend("b", nil))

	_, err := r.Resolve(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.False(t, errors.IsCom(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestResolver_BackendFailures(t *testing.T) {
	ctx := context.Background()
	comErr := errors.NewComError(stderrors.New("timeout"), "name service")

	t.Run("next backend tried after failure", func(t *testing.T) {
		broken := newFakeBackend("broken", map[string]error{"camera": comErr})
		good := newFakeBackend("good", map[string]error{"camera": nil})
		r := newResolver(t, broken, good)

		h, err := r.Resolve(ctx, "camera")
		require.NoError(t, err)
		assert.Equal(t, "good", h.Backend())
	})

	t.Run("com error wins over not found", func(t *testing.T) {
		broken := newFakeBackend("broken", map[string]error{"camera": comErr})
		empty := newFakeBackend("empty", nil)
		r := newResolver(t, empty, broken)

		_, err := r.Resolve(ctx, "camera")
		require.Error(t, err)
		assert.True(t, errors.IsCom(err))
		assert.True(t, errors.IsTransient(err))
		assert.False(t, errors.IsNotFound(err))
	})

	t.Run("other failures fall back to not found", func(t *testing.T) {
		odd := newFakeBackend("odd", map[string]error{"camera": stderrors.New("corrupt entry")})
		r := newResolver(t, odd)

		_, err := r.Resolve(ctx, "camera")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestResolver_Order(t *testing.T) {
	ctx := context.Background()
	a := newFakeBackend("a", map[string]error{"camera": nil})
	b := newFakeBackend("b", map[string]error{"camera": nil})
	c := newFakeBackend("c", nil)
	r := newResolver(t, a, b, c)

	require.NoError(t, r.SetOrder("c", "b"))
	var names []string
	for _, backend := range r.Backends() {
		names = append(names, backend.Name())
	}
	assert.Equal(t, []string{"c", "b", "a"}, names)

	h, err := r.Resolve(ctx, "camera")
	require.NoError(t, err)
	assert.Equal(t, "b", h.Backend())

	err = r.SetOrder("nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, r.Remove("b"))
	assert.False(t, r.Remove("b"))
	h, err = r.Resolve(ctx, "camera")
	require.NoError(t, err)
	assert.Equal(t, "a", h.Backend())

	_, ok := r.Backend("c")
	assert.True(t, ok)
}

func TestResolver_AddDuplicate(t *testing.T) {
	r := newResolver(t, newFakeBackend("local", nil))
	err := r.Add(newFakeBackend("local", nil))
	assert.ErrorIs(t, err, errors.ErrAlreadyInitialized)

	_, err = NewResolver([]Backend{newFakeBackend("x", nil), newFakeBackend("x", nil)})
	assert.Error(t, err)
}

func TestResolver_Names(t *testing.T) {
	a := newFakeBackend("a", map[string]error{"imu": nil, "camera": nil})
	b := newFakeBackend("b", map[string]error{"camera": nil, "lidar": nil})
	broken := newFakeBackend("broken", nil)
	broken.listErr = stderrors.New("bucket gone")
	r := newResolver(t, a, broken, b)

	names, err := r.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"camera", "imu", "lidar"}, names)
}

func TestResolver_Cleanup(t *testing.T) {
	ctx := context.Background()
	comErr := errors.NewComError(stderrors.New("timeout"), "name service")
	dangling := fmt.Errorf("pid 42 is gone: %w", errors.ErrNotFound)

	a := newFakeBackend("a", map[string]error{
		"alive":    nil,
		"dead":     dangling,
		"flaky":    comErr,
		"dead_too": dangling,
	})
	b := newFakeBackend("b", map[string]error{"dead": dangling, "other": nil})
	broken := newFakeBackend("broken", nil)
	broken.listErr = stderrors.New("bucket gone")

	registry := metric.NewMetricsRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	r, err := NewResolver([]Backend{a, broken, b}, WithMetrics(m), WithCleanupWorkers(2))
	require.NoError(t, err)
	defer r.Close()

	pruned, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead", "dead_too"}, pruned)
	assert.Equal(t, []string{"dead", "dead_too"}, a.removed())
	assert.Equal(t, []string{"dead"}, b.removed())

	names, err := a.ListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alive", "flaky"}, names)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pruned.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pruned.WithLabelValues("b")))

	pruned, err = r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}

func TestMetrics_Lookups(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	r, err := NewResolver([]Backend{
		newFakeBackend("a", nil),
		newFakeBackend("b", map[string]error{"camera": nil}),
	}, WithMetrics(m))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Resolve(context.Background(), "camera")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("a", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("b", "hit")))

	_, err = NewMetrics(registry)
	assert.Error(t, err, "duplicate registration")

	disabled, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, disabled)
	disabled.recordLookup("a", nil)
	disabled.recordPruned("a")
}
