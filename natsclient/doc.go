// Package natsclient provides a NATS connection with circuit breaker
// protection, automatic reconnection and Key-Value helpers.
//
// The client is the shared transport of the runtime: the natsrpc package
// issues task requests through Request and serves them through Subscribe,
// and the KV-backed name service stores its registrations in a bucket
// obtained from CreateKeyValueBucket.
//
// # Circuit Breaker
//
// Consecutive connection failures (default threshold: 5) open the circuit.
// While open, Connect and Request fail fast with ErrCircuitOpen. After the
// current backoff the circuit half-opens and the next Connect may try again;
// each time the circuit re-opens the backoff doubles, capped by
// WithMaxBackoff. A successful connection resets the breaker.
//
// # Lifecycle
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("orocos-runtime"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// Status moves through Disconnected, Connecting, Connected and
// Reconnecting. Health changes are reported through OnHealthChange
// and the nats_connected gauge of the core metrics.
//
// # Key-Value
//
// KVStore wraps a bucket with per-operation timeouts and maps the
// JetStream "key not found" variants onto ErrKVKeyNotFound:
//
//	kv := client.NewKVStore(bucket)
//	entry, err := kv.Get(ctx, key)
//	if natsclient.IsKVNotFoundError(err) {
//	    ...
//	}
//
// # Testing
//
// NewTestClient starts a NATS server in a container through testcontainers
// and returns a connected client; the container is terminated when the test
// ends. Tests that need a server are guarded by the integration build tag.
package natsclient
