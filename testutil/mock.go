package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	rterrors "github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// Common test errors
var (
	ErrMockRejected   = errors.New("mock operation rejected")
	ErrMockConnection = rterrors.NewComError(errors.New("mock connection refused"))
)

// MockRemote is a scripted task.Remote. Every call is recorded by operation
// name; errors can be injected per operation through Errors.
type MockRemote struct {
	mu sync.Mutex

	Name         string
	CurrentState task.State
	PortList     []task.PortInfo
	Props        map[string]any

	// Errors maps an operation name ("state", "configure", "connect", ...)
	// to the error it returns.
	Errors map[string]error

	// InvokeFunc implements Invoke. Nil means "operation not found".
	InvokeFunc func(operation string, args []any) (any, error)

	calls       []string
	connects    []task.ConnectionRequest
	disconnects []string
	written     map[string][]any
}

// NewMockRemote creates a mock remote in the given state
func NewMockRemote(name string, state task.State, ports ...task.PortInfo) *MockRemote {
	return &MockRemote{
		Name:         name,
		CurrentState: state,
		PortList:     ports,
		Props:        make(map[string]any),
		Errors:       make(map[string]error),
		written:      make(map[string][]any),
	}
}

// Fail makes operation fail with err (nil clears the injection)
func (m *MockRemote) Fail(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, operation)
		return
	}
	m.Errors[operation] = err
}

// SetState changes the state reported by the mock
func (m *MockRemote) SetState(s task.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentState = s
}

// Calls returns the recorded operation names in call order
func (m *MockRemote) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times operation was called
func (m *MockRemote) CallCount(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == operation {
			n++
		}
	}
	return n
}

// Connects returns the connection requests that succeeded
func (m *MockRemote) Connects() []task.ConnectionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.connects)
}

// Disconnects returns the "port/id" pairs of the disconnect calls
func (m *MockRemote) Disconnects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.disconnects)
}

// Written returns the samples written on port
func (m *MockRemote) Written(port string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.written[port])
}

func (m *MockRemote) record(operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, operation)
	return m.Errors[operation]
}

func (m *MockRemote) move(operation string, to task.State) error {
	if err := m.record(operation); err != nil {
		return err
	}
	m.SetState(to)
	return nil
}

// Ping implements task.Remote
func (m *MockRemote) Ping(_ context.Context) error {
	return m.record("ping")
}

// State implements task.Remote
func (m *MockRemote) State(_ context.Context) (task.State, error) {
	if err := m.record("state"); err != nil {
		return task.Unknown, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentState, nil
}

// Configure implements task.Remote
func (m *MockRemote) Configure(_ context.Context) error {
	return m.move("configure", task.Stopped)
}

// Start implements task.Remote
func (m *MockRemote) Start(_ context.Context) error {
	return m.move("start", task.Running)
}

// Stop implements task.Remote
func (m *MockRemote) Stop(_ context.Context) error {
	return m.move("stop", task.Stopped)
}

// Cleanup implements task.Remote
func (m *MockRemote) Cleanup(_ context.Context) error {
	return m.move("cleanup", task.PreOperational)
}

// ResetException implements task.Remote
func (m *MockRemote) ResetException(_ context.Context) error {
	return m.move("reset", task.Stopped)
}

// Invoke implements task.Remote
func (m *MockRemote) Invoke(_ context.Context, operation string, args ...any) (json.RawMessage, error) {
	if err := m.record("invoke"); err != nil {
		return nil, err
	}
	if m.InvokeFunc == nil {
		return nil, &rterrors.InterfaceObjectNotFound{Task: m.Name, Name: operation}
	}
	result, err := m.InvokeFunc(operation, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// Property implements task.Remote
func (m *MockRemote) Property(_ context.Context, name string) (any, error) {
	if err := m.record("property"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Props[name]
	if !ok {
		return nil, &rterrors.InterfaceObjectNotFound{Task: m.Name, Name: name}
	}
	return v, nil
}

// SetProperty implements task.Remote
func (m *MockRemote) SetProperty(_ context.Context, name string, value any) error {
	if err := m.record("set_property"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Props[name]; !ok {
		return &rterrors.InterfaceObjectNotFound{Task: m.Name, Name: name}
	}
	m.Props[name] = value
	return nil
}

// Properties implements task.Remote
func (m *MockRemote) Properties(_ context.Context) ([]task.PropertyInfo, error) {
	if err := m.record("properties"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.PropertyInfo, 0, len(m.Props))
	for name, v := range m.Props {
		out = append(out, task.PropertyInfo{Name: name, TypeName: fmt.Sprintf("%T", v), Value: v})
	}
	slices.SortFunc(out, func(a, b task.PropertyInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

// Ports implements task.Remote
func (m *MockRemote) Ports(_ context.Context) ([]task.PortInfo, error) {
	if err := m.record("ports"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.PortList), nil
}

// Read implements task.Remote
func (m *MockRemote) Read(_ context.Context, _ string) (task.Sample, error) {
	if err := m.record("read"); err != nil {
		return task.Sample{}, err
	}
	return task.Sample{Status: task.NoData}, nil
}

// Write implements task.Remote
func (m *MockRemote) Write(_ context.Context, port string, value any) error {
	if err := m.record("write"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written[port] = append(m.written[port], value)
	return nil
}

// Connect implements task.Remote
func (m *MockRemote) Connect(_ context.Context, req task.ConnectionRequest) error {
	if err := m.record("connect"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, req)
	return nil
}

// Disconnect implements task.Remote
func (m *MockRemote) Disconnect(_ context.Context, port, id string) error {
	if err := m.record("disconnect"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, port+"/"+id)
	return nil
}
