//go:build integration

package natsrpc

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/natsclient"
	"github.com/chhtz/tools-orocosrb/task"
)

func TestIntegration_TaskOverNATS(t *testing.T) {
	ctx := context.Background()
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())

	host := task.NewHost(nil)
	require.NoError(t, host.Add(newCamera(t)))
	server := NewServer(tc.Client, host)
	require.NoError(t, server.ServeAll())
	t.Cleanup(func() { _ = server.Close() })

	h := task.NewHandle("camera", NewClient("camera", tc.Client, WithCallTimeout(time.Second)))
	require.NoError(t, h.Ping(ctx))
	require.NoError(t, h.Configure(ctx))
	require.NoError(t, h.Start(ctx))

	state, err := h.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.Running, state)

	v, err := h.Property(ctx, "fps")
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)
}

func TestIntegration_NoResponders(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())

	err := NewClient("ghost", tc.Client).Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCom(err))
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestIntegration_Unserve(t *testing.T) {
	ctx := context.Background()
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())

	host := task.NewHost(nil)
	require.NoError(t, host.Add(newCamera(t)))
	server := NewServer(tc.Client, host)
	require.NoError(t, server.Serve("camera"))

	client := NewClient("camera", tc.Client, WithConnectTimeout(200*time.Millisecond))
	require.NoError(t, client.Ping(ctx))

	require.NoError(t, server.Unserve("camera"))
	assert.True(t, errors.IsCom(client.Ping(ctx)))
}
