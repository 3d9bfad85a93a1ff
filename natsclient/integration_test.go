//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())

	assert.True(t, tc.IsReady())
	assert.Equal(t, StatusConnected, tc.Client.Status())
	assert.Greater(t, tc.Client.MaxPayload(), int64(0))

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_Request(t *testing.T) {
	ctx := context.Background()
	tc := NewTestClient(t, WithFastStartup())

	_, err := tc.Client.Subscribe("echo", func(msg *nats.Msg) {
		_ = msg.Respond(append([]byte("re:"), msg.Data...))
	})
	require.NoError(t, err)

	reply, err := tc.Client.Request(ctx, "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(reply.Data))

	_, err = tc.Client.Request(ctx, "nobody.listens", nil)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestIntegration_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tc := NewTestClient(t, WithFastStartup())

	require.NoError(t, tc.Client.Close(ctx))
	assert.Equal(t, StatusDisconnected, tc.Client.Status())
	assert.NoError(t, tc.Client.Close(ctx))
}

func TestIntegration_KVStore(t *testing.T) {
	ctx := context.Background()
	tc := NewTestClient(t, WithFastStartup(), WithKVBuckets("TEST_KV"))

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "TEST_KV")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)
	assert.Equal(t, "TEST_KV", kv.Bucket())

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	rev, err := kv.Put(ctx, "a", []byte("2"))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), entry.Value)
	assert.Equal(t, rev, entry.Revision)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}
