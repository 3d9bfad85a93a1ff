package natsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// Default timeouts
const (
	DefaultCallTimeout    = 20 * time.Second
	DefaultConnectTimeout = 100 * time.Millisecond
)

// Requester is the request side of a NATS connection. *natsclient.Client
// implements it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

type options struct {
	callTimeout    time.Duration
	connectTimeout time.Duration
	maxMessageSize int
	tracer         trace.Tracer
	metrics        *Metrics
	logger         *slog.Logger
}

func newOptions(opts []Option) options {
	o := options{
		callTimeout:    DefaultCallTimeout,
		connectTimeout: DefaultConnectTimeout,
		tracer:         noop.NewTracerProvider().Tracer("natsrpc"),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Client or a Server
type Option func(*options)

// WithCallTimeout bounds the completion of every request (0 disables)
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithConnectTimeout bounds Ping, the connection establishment check
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithMaxMessageSize rejects requests larger than n bytes (0 disables)
func WithMaxMessageSize(n int) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithTracerProvider records a span per request
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer("github.com/chhtz/tools-orocosrb/transport/natsrpc")
		}
	}
}

// WithMetrics records request metrics
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Client is the remote side of one task reached over NATS request/reply.
type Client struct {
	name string
	conn Requester
	options
}

var _ task.Remote = (*Client)(nil)

// NewClient binds task name on conn
func NewClient(name string, conn Requester, opts ...Option) *Client {
	c := &Client{name: name, conn: conn, options: newOptions(opts)}
	c.logger = c.logger.With("component", "natsrpc", "task", name)
	return c
}

// Name returns the task name
func (c *Client) Name() string { return c.name }

func (c *Client) do(ctx context.Context, op string, timeout time.Duration, req *request, out any) (err error) {
	subject := Subject(c.name, op)
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "orocos.task."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("orocos.task", c.name),
			attribute.String("messaging.destination.name", subject),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.recordRequest(op, start, err)
	}()

	if req == nil {
		req = &request{}
	}
	data, err := encode(req)
	if err != nil {
		return errors.WrapInvalid(err, "natsrpc", op, "encode request")
	}
	if c.maxMessageSize > 0 && len(data) > c.maxMessageSize {
		return errors.WrapInvalid(
			fmt.Errorf("request of %d bytes exceeds the max message size of %d", len(data), c.maxMessageSize),
			"natsrpc", op, "encode request")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := c.conn.Request(ctx, subject, data)
	if err != nil {
		return errors.NewComError(err, c.name)
	}

	var rep reply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return errors.NewComError(fmt.Errorf("malformed reply to %s: %w", op, err), c.name)
	}
	if rep.Error != nil {
		return fromRemote(c.name, rep.Error)
	}
	if out == nil || len(rep.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rep.Result, out); err != nil {
		return errors.NewComError(fmt.Errorf("malformed %s result: %w", op, err), c.name)
	}
	return nil
}

func (c *Client) call(ctx context.Context, op string, req *request, out any) error {
	return c.do(ctx, op, c.callTimeout, req, out)
}

// Ping checks the task answers within the connect timeout
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, opPing, c.connectTimeout, nil, nil)
}

// State returns the task state
func (c *Client) State(ctx context.Context) (task.State, error) {
	var state task.State
	if err := c.call(ctx, opState, nil, &state); err != nil {
		return task.Unknown, err
	}
	return state, nil
}

// Configure asks the task to configure itself
func (c *Client) Configure(ctx context.Context) error { return c.call(ctx, opConfigure, nil, nil) }

// Start asks the task to start
func (c *Client) Start(ctx context.Context) error { return c.call(ctx, opStart, nil, nil) }

// Stop asks the task to stop
func (c *Client) Stop(ctx context.Context) error { return c.call(ctx, opStop, nil, nil) }

// Cleanup asks the task to clean up
func (c *Client) Cleanup(ctx context.Context) error { return c.call(ctx, opCleanup, nil, nil) }

// ResetException asks the task to leave its error state
func (c *Client) ResetException(ctx context.Context) error {
	return c.call(ctx, opResetException, nil, nil)
}

// Invoke calls an operation of the task
func (c *Client) Invoke(ctx context.Context, operation string, args ...any) (json.RawMessage, error) {
	req := &request{Name: operation, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		raw, err := encodeValue(arg)
		if err != nil {
			return nil, errors.WrapInvalid(err, "natsrpc", "Invoke", fmt.Sprintf("encode argument %d", i))
		}
		req.Args = append(req.Args, raw)
	}

	var result json.RawMessage
	if err := c.call(ctx, opInvoke, req, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Property reads a property value
func (c *Client) Property(ctx context.Context, name string) (any, error) {
	var raw json.RawMessage
	if err := c.call(ctx, opProperty, &request{Name: name}, &raw); err != nil {
		return nil, err
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, errors.NewComError(fmt.Errorf("malformed property %s: %w", name, err), c.name)
	}
	return v, nil
}

// SetProperty writes a property value
func (c *Client) SetProperty(ctx context.Context, name string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return errors.WrapInvalid(err, "natsrpc", "SetProperty", "encode "+name)
	}
	return c.call(ctx, opSetProperty, &request{Name: name, Value: raw}, nil)
}

// Properties lists the properties of the task
func (c *Client) Properties(ctx context.Context) ([]task.PropertyInfo, error) {
	var props []task.PropertyInfo
	if err := c.call(ctx, opProperties, nil, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// Ports lists the ports of the task
func (c *Client) Ports(ctx context.Context) ([]task.PortInfo, error) {
	var ports []task.PortInfo
	if err := c.call(ctx, opPorts, nil, &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

// Read reads an input port
func (c *Client) Read(ctx context.Context, port string) (task.Sample, error) {
	var sample task.Sample
	if err := c.call(ctx, opRead, &request{Port: port}, &sample); err != nil {
		return task.Sample{}, err
	}
	return sample, nil
}

// Write writes a sample on an output port
func (c *Client) Write(ctx context.Context, port string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return errors.WrapInvalid(err, "natsrpc", "Write", "encode sample for "+port)
	}
	return c.call(ctx, opWrite, &request{Port: port, Value: raw}, nil)
}

// Connect creates one half of a connection on the task
func (c *Client) Connect(ctx context.Context, req task.ConnectionRequest) error {
	return c.call(ctx, opConnect, &request{Connection: &req}, nil)
}

// Disconnect removes one half of a connection
func (c *Client) Disconnect(ctx context.Context, port, id string) error {
	return c.call(ctx, opDisconnect, &request{Port: port, ID: id}, nil)
}

// Deliver pushes a sample into the reader half of connection id on port
func (c *Client) Deliver(ctx context.Context, port, id string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return errors.WrapInvalid(err, "natsrpc", "Deliver", "encode sample for "+port)
	}
	return c.call(ctx, opDeliver, &request{Port: port, ID: id, Value: raw}, nil)
}
