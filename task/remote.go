// Package task provides handles on task contexts, their lifecycle state
// machine and an in-process host for tasks living in this process.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chhtz/tools-orocosrb/policy"
)

// Direction represents the data flow direction of a port
type Direction string

// Port directions
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// PortInfo describes a port of a task context
type PortInfo struct {
	Name        string         `json:"name"`
	Direction   Direction      `json:"direction"`
	TypeName    string         `json:"type"`
	Connections int            `json:"connections"`
	Preferred   *policy.Policy `json:"preferred_policy,omitempty"`
}

// Connected reports whether the port has at least one active connection
func (p PortInfo) Connected() bool {
	return p.Connections > 0
}

// PropertyInfo describes a property of a task context
type PropertyInfo struct {
	Name     string `json:"name"`
	TypeName string `json:"type"`
	Value    any    `json:"value,omitempty"`
}

// PortRef identifies a port globally
type PortRef struct {
	Task string `json:"task"`
	Port string `json:"port"`
}

// String returns "task.port"
func (r PortRef) String() string {
	return r.Task + "." + r.Port
}

// Role is the part a port plays in a connection
type Role string

// Connection roles
const (
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// ConnectionRequest asks one side of a connection to create its half
type ConnectionRequest struct {
	ID     string          `json:"id"`
	Port   string          `json:"port"`
	Role   Role            `json:"role"`
	Peer   PortRef         `json:"peer"`
	Policy policy.Resolved `json:"policy"`
}

// FlowStatus tells whether a read returned a fresh sample
type FlowStatus int

// Flow statuses
const (
	NoData FlowStatus = iota
	OldData
	NewData
)

// String returns the string representation of FlowStatus
func (f FlowStatus) String() string {
	switch f {
	case OldData:
		return "OLD_DATA"
	case NewData:
		return "NEW_DATA"
	default:
		return "NO_DATA"
	}
}

// Sample is the result of reading an input port
type Sample struct {
	Status FlowStatus `json:"status"`
	Value  any        `json:"value,omitempty"`
}

// Remote is the RPC contract a task context must offer. Implementations bind
// one task; transport failures are reported as errors matching errors.ErrCom,
// anything else is an application-level rejection.
type Remote interface {
	// Ping checks the remote can be reached, within the connect timeout.
	Ping(ctx context.Context) error
	State(ctx context.Context) (State, error)

	Configure(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
	ResetException(ctx context.Context) error

	Invoke(ctx context.Context, operation string, args ...any) (json.RawMessage, error)
	Property(ctx context.Context, name string) (any, error)
	SetProperty(ctx context.Context, name string, value any) error
	Properties(ctx context.Context) ([]PropertyInfo, error)

	Ports(ctx context.Context) ([]PortInfo, error)
	Read(ctx context.Context, port string) (Sample, error)
	Write(ctx context.Context, port string, value any) error

	Connect(ctx context.Context, req ConnectionRequest) error
	Disconnect(ctx context.Context, port, id string) error
}

// Operation is the implementation of a task operation hosted in-process
type Operation func(ctx context.Context, args []any) (any, error)

func findPort(ports []PortInfo, task, name string) (PortInfo, error) {
	for _, p := range ports {
		if p.Name == name {
			return p, nil
		}
	}
	return PortInfo{}, fmt.Errorf("port lookup: %w", interfaceObjectNotFound(task, name))
}
