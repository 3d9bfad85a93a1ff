//go:build integration

package nameservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/natsclient"
	"github.com/chhtz/tools-orocosrb/task"
	"github.com/chhtz/tools-orocosrb/transport/natsrpc"
)

func TestIntegration_KVBackend(t *testing.T) {
	ctx := context.Background()
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup(), natsclient.WithKVBuckets(DefaultBucket))

	bucket, err := tc.Client.GetKeyValueBucket(ctx, DefaultBucket)
	require.NoError(t, err)
	store := tc.Client.NewKVStore(bucket)

	host := task.NewHost(nil)
	require.NoError(t, host.Add(task.NewLocalTask("camera")))
	require.NoError(t, host.Add(task.NewLocalTask("imu")))
	server := natsrpc.NewServer(tc.Client, host)
	require.NoError(t, server.ServeAll())
	t.Cleanup(func() { _ = server.Close() })

	kv := NewKVBackend(store, func(reg Registration) task.Remote {
		return natsrpc.NewClient(reg.Name, tc.Client)
	}, WithConnectTimeout(200*time.Millisecond))
	for _, name := range host.Names() {
		require.NoError(t, kv.Register(ctx, name, nil))
	}

	r, err := NewResolver([]Backend{NewLocalBackend(), kv})
	require.NoError(t, err)
	defer r.Close()

	h, err := r.Resolve(ctx, "camera")
	require.NoError(t, err)
	assert.Equal(t, KVBackendName, h.Backend())
	state, err := h.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.PreOperational, state)

	require.NoError(t, server.Unserve("imu"))
	pruned, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"imu"}, pruned)

	_, err = r.Resolve(ctx, "imu")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
