package task_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/task"
	mocks "github.com/chhtz/tools-orocosrb/testutil"
)

func TestHandle_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    task.State
		do      func(*task.Handle, context.Context) error
		call    string
		want    task.State
		failure error
	}{
		{"configure", task.PreOperational, (*task.Handle).Configure, "configure", task.Stopped, errors.ErrConfigureFailed},
		{"start", task.Stopped, (*task.Handle).Start, "start", task.Running, errors.ErrStartFailed},
		{"stop from running", task.Running, (*task.Handle).Stop, "stop", task.Stopped, errors.ErrStopFailed},
		{"stop from runtime error", task.RuntimeError, (*task.Handle).Stop, "stop", task.Stopped, errors.ErrStopFailed},
		{"cleanup", task.Stopped, (*task.Handle).Cleanup, "cleanup", task.PreOperational, errors.ErrCleanupFailed},
		{"reset exception", task.Exception, (*task.Handle).Reset, "reset", task.Stopped, errors.ErrStateTransitionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("accepted", func(t *testing.T) {
				remote := mocks.NewMockRemote("t", tt.from)
				h := task.NewHandle("t", remote)

				require.NoError(t, tt.do(h, ctx))
				assert.Equal(t, []string{"state", tt.call}, remote.Calls())
				assert.Equal(t, tt.want, remote.CurrentState)
			})

			t.Run("rejected", func(t *testing.T) {
				remote := mocks.NewMockRemote("t", tt.from)
				remote.Fail(tt.call, mocks.ErrMockRejected)
				h := task.NewHandle("t", remote)

				err := tt.do(h, ctx)
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.failure)
				assert.ErrorIs(t, err, errors.ErrStateTransitionFailed)
				assert.ErrorIs(t, err, mocks.ErrMockRejected)
				assert.False(t, errors.IsCom(err))
				assert.True(t, errors.IsFatal(err))
			})

			t.Run("unreachable", func(t *testing.T) {
				remote := mocks.NewMockRemote("t", tt.from)
				remote.Fail(tt.call, mocks.ErrMockConnection)
				h := task.NewHandle("t", remote)

				err := tt.do(h, ctx)
				require.Error(t, err)
				assert.True(t, errors.IsCom(err))
				assert.NotErrorIs(t, err, errors.ErrStateTransitionFailed)
				assert.Contains(t, err.Error(), "communication failed with t")
			})
		})
	}
}

func TestHandle_StartOnPreOperationalFailsClosed(t *testing.T) {
	remote := mocks.NewMockRemote("camera", task.PreOperational)
	h := task.NewHandle("camera", remote)

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStartFailed)
	assert.Equal(t, 0, remote.CallCount("start"))
	assert.Equal(t, []string{"state"}, remote.Calls())
}

func TestHandle_ErrorStatesOnlyAllowReset(t *testing.T) {
	for _, state := range []task.State{task.FatalError, task.Exception} {
		t.Run(state.String(), func(t *testing.T) {
			remote := mocks.NewMockRemote("t", state)
			h := task.NewHandle("t", remote)
			ctx := context.Background()

			for _, do := range []func(context.Context) error{h.Configure, h.Start, h.Stop, h.Cleanup} {
				err := do(ctx)
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrStateTransitionFailed)
			}
			assert.Equal(t, 4, remote.CallCount("state"))
			assert.Len(t, remote.Calls(), 4, "no transition call may reach the remote")

			require.NoError(t, h.Reset(ctx))
			assert.Equal(t, 1, remote.CallCount("reset"))
		})
	}
}

func TestHandle_EveryTransitionRequeriesState(t *testing.T) {
	remote := mocks.NewMockRemote("t", task.PreOperational)
	h := task.NewHandle("t", remote)
	ctx := context.Background()

	require.NoError(t, h.Configure(ctx))
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Stop(ctx))
	require.NoError(t, h.Cleanup(ctx))

	calls := remote.Calls()
	require.Len(t, calls, 8)
	for i := 0; i < len(calls); i += 2 {
		assert.Equal(t, "state", calls[i], "call %d", i)
		assert.NotEqual(t, "state", calls[i+1], "call %d", i+1)
	}
}

func TestHandle_StateQueryFailureIsComError(t *testing.T) {
	remote := mocks.NewMockRemote("t", task.Stopped)
	remote.Fail("state", mocks.ErrMockConnection)
	h := task.NewHandle("t", remote)

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCom(err))
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, remote.CallCount("start"))
}

func TestHandle_GuardBlocksRemoteCalls(t *testing.T) {
	guard := &task.Guard{}
	owner := task.NewOwner("callback-loop")
	guard.Forbid(owner)

	remote := mocks.NewMockRemote("t", task.Stopped)
	h := task.NewHandle("t", remote, task.WithGuard(guard))

	forbidden := task.WithOwner(context.Background(), owner)
	err := h.Start(forbidden)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrThread)
	assert.Empty(t, remote.Calls())

	require.NoError(t, guard.Allow(forbidden, func() error {
		return h.Start(forbidden)
	}))
	assert.Equal(t, task.Running, remote.CurrentState)

	require.NoError(t, h.Stop(task.WithOwner(context.Background(), task.NewOwner("other"))))
}

func TestHandle_SetPropertyRejection(t *testing.T) {
	remote := mocks.NewMockRemote("t", task.Stopped)
	remote.Props["gain"] = 1.0
	h := task.NewHandle("t", remote)
	ctx := context.Background()

	require.NoError(t, h.SetProperty(ctx, "gain", 2.0))
	v, err := h.Property(ctx, "gain")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	err = h.SetProperty(ctx, "missing", 1)
	assert.ErrorIs(t, err, errors.ErrInterfaceObjectNotFound)
	assert.True(t, errors.IsNotFound(err))

	remote.Fail("set_property", fmt.Errorf("out of range"))
	err = h.SetProperty(ctx, "gain", 100.0)
	assert.ErrorIs(t, err, errors.ErrPropertyChangeRejected)
}

func TestHandle_PortLookup(t *testing.T) {
	remote := mocks.NewMockRemote("t", task.Stopped,
		task.PortInfo{Name: "out", Direction: task.DirectionOutput, TypeName: "/double"})
	h := task.NewHandle("t", remote)

	p, err := h.Port(context.Background(), "out")
	require.NoError(t, err)
	assert.Equal(t, "/double", p.TypeName)
	assert.Equal(t, task.PortRef{Task: "t", Port: "out"}, h.Output("out"))

	_, err = h.Port(context.Background(), "in")
	var nf *errors.InterfaceObjectNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "in", nf.Name)
}

func TestHandle_Invoke(t *testing.T) {
	remote := mocks.NewMockRemote("t", task.Running)
	remote.InvokeFunc = func(op string, args []any) (any, error) {
		return map[string]any{"op": op, "n": len(args)}, nil
	}
	h := task.NewHandle("t", remote)

	raw, err := h.Invoke(context.Background(), "calibrate", 1, "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"calibrate","n":2}`, string(raw))
}

func TestHandle_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := task.NewMetrics(registry)
	require.NoError(t, err)

	remote := mocks.NewMockRemote("t", task.PreOperational)
	h := task.NewHandle("t", remote, task.WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, h.Configure(ctx))
	require.Error(t, h.Configure(ctx))

	count, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "orocos_lifecycle_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = task.NewMetrics(registry)
	assert.Error(t, err, "duplicate registration")
}
