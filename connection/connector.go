// Package connection creates and tears down data-flow connections between
// an output port of one task and an input port of another.
package connection

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/policy"
	"github.com/chhtz/tools-orocosrb/task"
	"github.com/chhtz/tools-orocosrb/typekit"
)

// End is one side of a connection: a port on a task handle
type End struct {
	Task *task.Handle
	Port string
}

// Port builds an End
func Port(h *task.Handle, port string) End {
	return End{Task: h, Port: port}
}

// Ref returns the global reference of the port
func (e End) Ref() task.PortRef {
	return task.PortRef{Task: e.Task.Name(), Port: e.Port}
}

// Connection is an established connection between two ports
type Connection struct {
	ID        string          `json:"id"`
	From      task.PortRef    `json:"from"`
	To        task.PortRef    `json:"to"`
	Policy    policy.Resolved `json:"policy"`
	CreatedAt time.Time       `json:"created_at"`
}

// Touches reports whether the connection involves the port
func (c Connection) Touches(ref task.PortRef) bool {
	return c.From == ref || c.To == ref
}

type record struct {
	conn Connection
	out  *task.Handle
	in   *task.Handle

	// set once the half is known to be removed from its task
	outGone bool
	inGone  bool
}

func (r *record) intact() bool {
	return !r.outGone && !r.inGone
}

type pairKey struct {
	from task.PortRef
	to   task.PortRef
}

// ConnectOptions holds the options of one Connect call
type ConnectOptions struct {
	// Force replaces an existing connection that uses a different policy
	Force bool
}

// ConnectOption configures a Connect call
type ConnectOption func(*ConnectOptions)

// Force makes Connect replace an existing connection with a different policy
func Force() ConnectOption {
	return func(o *ConnectOptions) {
		o.Force = true
	}
}

// Connector keeps track of the connections it created. Calls are
// serialized: connection establishment is not atomic across the two tasks,
// and the connector rolls back its own partial work.
type Connector struct {
	mu      sync.Mutex
	types   typekit.Lookup
	conns   map[pairKey]*record
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Connector
type Option func(*Connector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithMetrics records connection metrics
func WithMetrics(m *Metrics) Option {
	return func(c *Connector) {
		c.metrics = m
	}
}

// NewConnector creates a connector validating port types against types
func NewConnector(types typekit.Lookup, opts ...Option) *Connector {
	c := &Connector{
		types: types,
		conns: make(map[pairKey]*record),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "connection")
	return c
}

// Connect connects the output port out to the input port in.
//
// Connecting the same ports again with the same resolved policy returns the
// existing connection. A different policy fails with ErrAlreadyConnected
// unless Force is given, in which case the old connection is removed first.
func (c *Connector) Connect(ctx context.Context, out, in End, requested policy.Policy,
	opts ...ConnectOption) (conn Connection, err error) {
	var o ConnectOptions
	for _, opt := range opts {
		opt(&o)
	}

	from, to := out.Ref(), in.Ref()
	defer func() {
		c.metrics.recordConnect(err)
	}()

	resolved, err := c.negotiate(ctx, out, in, requested)
	if err != nil {
		return Connection{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey{from: from, to: to}
	if existing, ok := c.conns[key]; ok {
		if existing.intact() && existing.conn.Policy.Equal(resolved) {
			return existing.conn, nil
		}
		if !o.Force {
			return Connection{}, errors.WrapInvalid(
				fmt.Errorf("%w: %s -> %s uses %s, requested %s", errors.ErrAlreadyConnected,
					from, to, existing.conn.Policy, resolved),
				"Connector", "Connect", "existing connection check")
		}
		if err := c.teardown(ctx, existing); err != nil {
			return Connection{}, err
		}
	}

	conn = Connection{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Policy:    resolved,
		CreatedAt: time.Now(),
	}

	err = in.Task.Connect(ctx, task.ConnectionRequest{
		ID: conn.ID, Port: in.Port, Role: task.RoleReader, Peer: from, Policy: resolved,
	})
	if err != nil {
		return Connection{}, connectionFailed(from, to, "reader side", err)
	}

	err = out.Task.Connect(ctx, task.ConnectionRequest{
		ID: conn.ID, Port: out.Port, Role: task.RoleWriter, Peer: to, Policy: resolved,
	})
	if err != nil {
		if rbErr := in.Task.Disconnect(ctx, in.Port, conn.ID); rbErr != nil {
			c.logger.Warn("Rollback of reader side failed",
				"connection", conn.ID, "port", to.String(), "error", rbErr)
		}
		return Connection{}, connectionFailed(from, to, "writer side", err)
	}

	c.conns[key] = &record{conn: conn, out: out.Task, in: in.Task}
	c.metrics.setActive(len(c.conns))
	c.logger.Info("Ports connected",
		"from", from.String(), "to", to.String(), "policy", resolved.String(), "connection", conn.ID)
	return conn, nil
}

// negotiate checks directions and types, then resolves the policy from the
// requested one and the ports' preferences.
func (c *Connector) negotiate(ctx context.Context, out, in End, requested policy.Policy) (policy.Resolved, error) {
	outInfo, err := out.Task.Port(ctx, out.Port)
	if err != nil {
		return policy.Resolved{}, err
	}
	inInfo, err := in.Task.Port(ctx, in.Port)
	if err != nil {
		return policy.Resolved{}, err
	}

	if outInfo.Direction != task.DirectionOutput || inInfo.Direction != task.DirectionInput {
		return policy.Resolved{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s (%s) -> %s (%s): connections go from an output to an input",
				errors.ErrConnectionFailed, out.Ref(), outInfo.Direction, in.Ref(), inInfo.Direction),
			"Connector", "Connect", "direction check")
	}

	ok, err := c.types.Compatible(outInfo.TypeName, inInfo.TypeName)
	if err != nil {
		return policy.Resolved{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s -> %s: %w", errors.ErrTypeMismatch, out.Ref(), in.Ref(), err),
			"Connector", "Connect", "type lookup")
	}
	if !ok {
		return policy.Resolved{}, errors.WrapInvalid(
			fmt.Errorf("%w: cannot connect %s (%s) to %s (%s)", errors.ErrTypeMismatch,
				out.Ref(), outInfo.TypeName, in.Ref(), inInfo.TypeName),
			"Connector", "Connect", "type check")
	}

	prefs, err := policy.Negotiate(deref(outInfo.Preferred), deref(inInfo.Preferred))
	if err != nil {
		return policy.Resolved{}, err
	}
	if requested.Transport != "" && prefs.Transport != "" && requested.Transport != prefs.Transport {
		// Size preferences only make sense for the transport they came with.
		prefs.Transport, prefs.Size = "", nil
	}
	return policy.Resolve(policy.Merge(requested, prefs))
}

func deref(p *policy.Policy) policy.Policy {
	if p == nil {
		return policy.Policy{}
	}
	return *p
}

func connectionFailed(from, to task.PortRef, side string, cause error) error {
	err := fmt.Errorf("%w: %s -> %s: %s: %w", errors.ErrConnectionFailed, from, to, side, cause)
	if errors.IsCom(cause) {
		return errors.WrapTransient(err, "Connector", "Connect", "remote connection setup")
	}
	return errors.WrapFatal(err, "Connector", "Connect", "remote connection setup")
}

// teardown removes both halves of a connection and then its record. Both
// sides are always attempted. When a side refuses, the record is kept so the
// connection can still be found and torn down again. Caller holds c.mu.
func (c *Connector) teardown(ctx context.Context, r *record) error {
	var errs []error
	if !r.outGone {
		err := r.out.Disconnect(ctx, r.conn.From.Port, r.conn.ID)
		r.outGone = halfGone(err)
		if err != nil && !r.outGone {
			errs = append(errs, err)
		}
	}
	if !r.inGone {
		err := r.in.Disconnect(ctx, r.conn.To.Port, r.conn.ID)
		r.inGone = halfGone(err)
		if err != nil && !r.inGone {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		c.logger.Warn("Connection only partially removed", "connection", r.conn.ID,
			"from", r.conn.From.String(), "to", r.conn.To.String(),
			"writer_removed", r.outGone, "reader_removed", r.inGone)
		return errors.Wrap(stderrors.Join(errs...), "Connector", "Disconnect",
			fmt.Sprintf("disconnect %s -> %s", r.conn.From, r.conn.To))
	}

	delete(c.conns, pairKey{from: r.conn.From, to: r.conn.To})
	c.metrics.setActive(len(c.conns))
	c.metrics.recordDisconnect()
	c.logger.Info("Ports disconnected",
		"from", r.conn.From.String(), "to", r.conn.To.String(), "connection", r.conn.ID)
	return nil
}

// halfGone reports whether a disconnect outcome leaves no half behind. An
// unreachable task counts as gone: its connections are dropped by Forget
// once its process is reported dead.
func halfGone(err error) bool {
	return err == nil || errors.IsNotFound(err) || errors.IsCom(err)
}

// Disconnect removes the connection between out and in. Disconnecting ports
// that are not connected succeeds.
func (c *Connector) Disconnect(ctx context.Context, out, in End) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.conns[pairKey{from: out.Ref(), to: in.Ref()}]
	if !ok {
		return nil
	}
	return c.teardown(ctx, r)
}

// DisconnectAll removes every connection touching the port
func (c *Connector) DisconnectAll(ctx context.Context, port task.PortRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, r := range c.sorted() {
		if r.conn.Touches(port) {
			if err := c.teardown(ctx, r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}

// List returns the connections touching the port, oldest first
func (c *Connector) List(port task.PortRef) []Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Connection
	for _, r := range c.sorted() {
		if r.conn.Touches(port) {
			out = append(out, r.conn)
		}
	}
	return out
}

// All returns every connection, oldest first
func (c *Connector) All() []Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Connection, 0, len(c.conns))
	for _, r := range c.sorted() {
		out = append(out, r.conn)
	}
	return out
}

// Forget drops the records of every connection involving taskName without
// contacting any task. It is used once the process hosting the task died.
func (c *Connector) Forget(taskName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, r := range c.conns {
		if r.conn.From.Task == taskName || r.conn.To.Task == taskName {
			delete(c.conns, key)
			n++
		}
	}
	if n > 0 {
		c.metrics.setActive(len(c.conns))
		c.logger.Info("Dropped connections of dead task", "task", taskName, "count", n)
	}
	return n
}

func (c *Connector) sorted() []*record {
	out := make([]*record, 0, len(c.conns))
	for _, r := range c.conns {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].conn.CreatedAt.Equal(out[j].conn.CreatedAt) {
			return out[i].conn.ID < out[j].conn.ID
		}
		return out[i].conn.CreatedAt.Before(out[j].conn.CreatedAt)
	})
	return out
}
