// Package testutil provides test doubles for the runtime packages.
//
// MockRemote is a scripted task.Remote: it records every call by operation
// name, keeps a state, properties and written samples, and fails any
// operation with an injected error:
//
//	remote := testutil.NewMockRemote("camera", task.Stopped)
//	remote.Fail("start", testutil.ErrMockConnection)
//	h := task.NewHandle("camera", remote)
//
// MockTransport stands in for the NATS connection of the RPC layer and
// MockKVStore for the key-value bucket of the name service. Neither needs a
// server; integration tests use natsclient.NewTestClient instead.
//
// All doubles are safe for concurrent use.
package testutil
