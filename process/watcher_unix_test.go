//go:build unix

package process

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/chhtz/tools-orocosrb/errors"
)

func shell(name, script string, tasks ...string) DeploymentSpec {
	return DeploymentSpec{Name: name, Command: "/bin/sh", Args: []string{"-c", script}, Tasks: tasks}
}

func newWatchedManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(WithPollInterval(5 * time.Millisecond))
	require.NoError(t, m.StartWatcher())
	t.Cleanup(m.Close)
	return m
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no death event")
		return Event{}
	}
}

func TestWatcher_ExitCode(t *testing.T) {
	m := newWatchedManager(t)

	p, err := m.Spawn(context.Background(), shell("failing", "exit 3", "T"))
	require.NoError(t, err)

	ev := nextEvent(t, m)
	assert.Same(t, p, ev.Process)
	assert.Equal(t, 3, ev.Status.Code)
	assert.False(t, ev.Status.Signaled())

	dead := m.FromPID(p.PID())
	require.NotNil(t, dead)
	assert.False(t, dead.Alive())
	status, ok := dead.Status()
	require.True(t, ok)
	assert.Equal(t, 3, status.Code)
	assert.Equal(t, 0, m.watcher.Watched())
}

func TestWatcher_Kill(t *testing.T) {
	m := newWatchedManager(t)
	ctx := context.Background()

	p, err := m.Spawn(ctx, shell("sleeper", "sleep 30", "T"))
	require.NoError(t, err)
	assert.True(t, m.Alive(p.PID()))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Kill(ctx, "sleeper", syscall.SIGTERM))

	status, ok := p.Status()
	require.True(t, ok)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGTERM, status.Signal)
	assert.False(t, m.Alive(p.PID()))

	assert.NoError(t, m.Kill(ctx, "sleeper", syscall.SIGTERM), "killing a dead process is a no-op")
}

func TestWatcher_ManyChildren(t *testing.T) {
	m := NewManager(WithPollInterval(5*time.Millisecond), WithQueueSize(2))
	require.NoError(t, m.StartWatcher())
	t.Cleanup(m.Close)

	const n = 6
	for i := 0; i < n; i++ {
		_, err := m.Spawn(context.Background(), shell(fmt.Sprintf("p%d", i), fmt.Sprintf("exit %d", i), "T"))
		require.NoError(t, err)
	}

	codes := make(map[int]bool)
	for i := 0; i < n; i++ {
		ev := nextEvent(t, m)
		codes[ev.Status.Code] = true
	}
	assert.Len(t, codes, n)
}

func TestWatcher_ForeignPidReportedUnknown(t *testing.T) {
	w := NewWatcher(5*time.Millisecond, 4, nil)
	w.Watch(1) // init is never our child
	deaths := make(chan Death, 1)
	require.NoError(t, w.Start(func(d Death) { deaths <- d }))
	defer w.Stop()

	select {
	case d := <-deaths:
		assert.Equal(t, 1, d.PID)
		assert.True(t, d.Status.Unknown)
		assert.Equal(t, -1, d.Status.Code)
		assert.False(t, d.Status.Success())
	case <-time.After(5 * time.Second):
		t.Fatal("no death reported")
	}
	assert.Equal(t, 0, w.Watched())
}

func TestWatcher_ChildReapedElsewhere(t *testing.T) {
	m := NewManager(WithPollInterval(5 * time.Millisecond))
	t.Cleanup(m.Close)

	p, err := m.Spawn(context.Background(), shell("reaped", "exit 4", "T"))
	require.NoError(t, err)

	// take the exit status before the watcher can
	var ws unix.WaitStatus
	_, err = unix.Wait4(p.PID(), &ws, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 4, ws.ExitStatus())

	require.NoError(t, m.StartWatcher())
	ev := nextEvent(t, m)
	assert.Same(t, p, ev.Process)
	assert.True(t, ev.Status.Unknown)
	assert.Equal(t, "exited with unknown status", ev.Status.String())

	assert.False(t, p.Alive())
	status, ok := p.Status()
	require.True(t, ok)
	assert.True(t, status.Unknown)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Kill(ctx, "reaped", syscall.SIGTERM), "no wait on a process known dead")
}

func TestWatcher_Restart(t *testing.T) {
	w := NewWatcher(5*time.Millisecond, 4, nil)
	require.NoError(t, w.Start(func(Death) {}))
	require.NoError(t, w.Start(func(Death) {}), "second start is a no-op")
	assert.True(t, w.Running())
	w.Stop()
	w.Stop()
	assert.False(t, w.Running())

	m := NewManager(WithPollInterval(5 * time.Millisecond))
	m.watcher = w
	require.NoError(t, m.StartWatcher())
	defer m.Close()

	p, err := m.Spawn(context.Background(), shell("again", "exit 0", "T"))
	require.NoError(t, err)
	ev := nextEvent(t, m)
	assert.Same(t, p, ev.Process)
	assert.True(t, ev.Status.Success())
}

func TestExecLauncher_BadCommand(t *testing.T) {
	m := NewManager()
	_, err := m.Spawn(context.Background(), DeploymentSpec{
		Name: "missing", Command: "/nonexistent/deployment", Tasks: []string{"T"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
