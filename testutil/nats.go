package testutil

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/chhtz/tools-orocosrb/natsclient"
)

// MockTransport is an in-memory stand-in for a NATS connection. It records
// subscriptions and answers every request with Reply, or with no responders
// when Reply is nil. Thread-safe for concurrent use from multiple goroutines.
type MockTransport struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect
	ConnectErr error

	// Reply answers requests. Nil means nobody listens.
	Reply func(subject string, data []byte) ([]byte, error)

	connected bool
	closed    bool
	subjects  []string
	requests  []string
}

// NewMockTransport creates a disconnected mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Connect marks the transport connected unless ConnectErr is set
func (m *MockTransport) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	m.closed = false
	return nil
}

// Close marks the transport closed
func (m *MockTransport) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closed = true
	return nil
}

// IsHealthy reports whether Connect succeeded and Close was not called
func (m *MockTransport) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Closed reports whether Close was called since the last Connect
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Subscribe records subject. The returned subscription is nil.
func (m *MockTransport) Subscribe(subject string, _ nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	m.subjects = append(m.subjects, subject)
	return nil, nil
}

// Request records subject and answers through Reply
func (m *MockTransport) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	m.mu.Lock()
	connected := m.connected
	reply := m.Reply
	m.requests = append(m.requests, subject)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !connected {
		return nil, nats.ErrConnectionClosed
	}
	if reply == nil {
		return nil, nats.ErrNoResponders
	}
	out, err := reply(subject, data)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subject, Data: out}, nil
}

// Subjects returns the subscribed subjects, in order
func (m *MockTransport) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.subjects)
}

// Requests returns the requested subjects, in order
func (m *MockTransport) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.requests)
}

// MockKVStore is an in-memory key-value bucket with the method set of
// *natsclient.KVStore used by the name service. Missing keys fail with
// natsclient.ErrKVKeyNotFound.
type MockKVStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	rev  uint64

	// Err, when set, fails every operation
	Err error
}

// NewMockKVStore creates an empty store
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key
func (kv *MockKVStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.Err != nil {
		return nil, kv.Err
	}
	val, ok := kv.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: slices.Clone(val), Revision: kv.rev}, nil
}

// Put stores a copy of value
func (kv *MockKVStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.Err != nil {
		return 0, kv.Err
	}
	kv.rev++
	kv.data[key] = slices.Clone(value)
	return kv.rev, nil
}

// Delete removes key
func (kv *MockKVStore) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.Err != nil {
		return kv.Err
	}
	if _, ok := kv.data[key]; !ok {
		return natsclient.ErrKVKeyNotFound
	}
	delete(kv.data, key)
	return nil
}

// Keys returns every key, sorted
func (kv *MockKVStore) Keys(_ context.Context) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.Err != nil {
		return nil, kv.Err
	}
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of keys
func (kv *MockKVStore) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}

// ErrMockUnavailable simulates a store that cannot be reached
var ErrMockUnavailable = errors.New("mock store unavailable")
