package natsrpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// Conn is the part of a NATS connection a Server needs. *natsclient.Client
// implements it.
type Conn interface {
	Requester
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

type served struct {
	name string
	sub  *nats.Subscription
}

// Server exposes the tasks of a task.Host over NATS. Samples written to
// peers outside the host are forwarded through the same connection.
type Server struct {
	conn Conn
	host *task.Host
	options

	mu     sync.RWMutex
	served map[string]served // by subject token
}

// NewServer creates a server for host and installs itself as the host's
// forwarder
func NewServer(conn Conn, host *task.Host, opts ...Option) *Server {
	s := &Server{
		conn:    conn,
		host:    host,
		options: newOptions(opts),
		served:  make(map[string]served),
	}
	s.logger = s.logger.With("component", "natsrpc-server")
	host.SetForwarder(s.forward)
	return s
}

// Serve starts answering requests for a hosted task
func (s *Server) Serve(name string) error {
	if _, ok := s.host.Task(name); !ok {
		return errors.WrapInvalid(fmt.Errorf("task %s: %w", name, errors.ErrNotFound),
			"Server", "Serve", "task lookup")
	}

	token := Token(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.served[token]; ok {
		if existing.name == name {
			return nil
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s and %s share subject token %s", errors.ErrAmbiguousName, existing.name, name, token),
			"Server", "Serve", "subject allocation")
	}

	subject := SubjectPrefix + "." + token + ".*"
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		s.respond(name, msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "Server", "Serve", "subscribe "+subject)
	}
	s.served[token] = served{name: name, sub: sub}
	s.logger.Debug("Serving task", "task", name, "subject", subject)
	return nil
}

// ServeAll serves every task of the host
func (s *Server) ServeAll() error {
	for _, name := range s.host.Names() {
		if err := s.Serve(name); err != nil {
			return err
		}
	}
	return nil
}

// Unserve stops answering requests for a task. Unknown names are ignored.
func (s *Server) Unserve(name string) error {
	token := Token(name)
	s.mu.Lock()
	entry, ok := s.served[token]
	if ok && entry.name == name {
		delete(s.served, token)
	}
	s.mu.Unlock()

	if !ok || entry.name != name || entry.sub == nil {
		return nil
	}
	if err := entry.sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "Server", "Unserve", "unsubscribe "+name)
	}
	return nil
}

// Served returns the names currently served
func (s *Server) Served() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.served))
	for _, e := range s.served {
		names = append(names, e.name)
	}
	return names
}

// Close stops serving every task
func (s *Server) Close() error {
	var errs []error
	for _, name := range s.Served() {
		if err := s.Unserve(name); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (s *Server) lookup(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.served[token]
	return e.name, ok
}

// forward sends a sample to a reader hosted in another process
func (s *Server) forward(ctx context.Context, to task.PortRef, id string, value any) error {
	peer := &Client{name: to.Task, conn: s.conn, options: s.options}
	return peer.Deliver(ctx, to.Port, id, value)
}

func (s *Server) respond(name string, msg *nats.Msg) {
	_, op, ok := splitSubject(msg.Subject)
	if !ok {
		s.logger.Warn("Ignoring request on malformed subject", "subject", msg.Subject)
		return
	}

	ctx := context.Background()
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	if err := msg.Respond(s.handle(ctx, name, op, msg.Data)); err != nil {
		s.logger.Warn("Failed to send reply", "task", name, "operation", op, "error", err)
	}
}

// handle runs one request against a hosted task and returns the encoded reply
func (s *Server) handle(ctx context.Context, name, op string, data []byte) []byte {
	ctx, span := s.tracer.Start(ctx, "orocos.task."+op+".serve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("orocos.task", name)))
	defer span.End()

	result, err := s.dispatch(ctx, name, op, data)

	var rep reply
	if err != nil {
		rep.Error = toRemote(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if result != nil {
		raw, encErr := encodeValue(result)
		if encErr != nil {
			rep.Error = toRemote(errors.WrapInvalid(encErr, "Server", op, "encode result"))
		} else {
			rep.Result = raw
		}
	}
	s.metrics.recordServed(op, rep.Error)

	out, err := encode(rep)
	if err != nil {
		out, _ = encode(reply{Error: toRemote(err)})
	}
	return out
}

func (s *Server) dispatch(ctx context.Context, name, op string, data []byte) (any, error) {
	t, ok := s.host.Task(name)
	if !ok {
		return nil, errors.NewComError(fmt.Errorf("task %s is not hosted here", name), name)
	}

	var req request
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.WrapInvalid(err, "Server", op, "decode request")
		}
	}

	switch op {
	case opPing:
		return nil, t.Ping(ctx)
	case opState:
		return t.State(ctx)
	case opConfigure:
		return nil, t.Configure(ctx)
	case opStart:
		return nil, t.Start(ctx)
	case opStop:
		return nil, t.Stop(ctx)
	case opCleanup:
		return nil, t.Cleanup(ctx)
	case opResetException:
		return nil, t.ResetException(ctx)
	case opInvoke:
		args := make([]any, 0, len(req.Args))
		for i, raw := range req.Args {
			v, err := decodeValue(raw)
			if err != nil {
				return nil, errors.WrapInvalid(err, "Server", op, fmt.Sprintf("decode argument %d", i))
			}
			args = append(args, v)
		}
		raw, err := t.Invoke(ctx, req.Name, args...)
		if err != nil {
			return nil, err
		}
		return raw, nil
	case opProperty:
		return t.Property(ctx, req.Name)
	case opSetProperty:
		v, err := decodeValue(req.Value)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Server", op, "decode value")
		}
		return nil, t.SetProperty(ctx, req.Name, v)
	case opProperties:
		return t.Properties(ctx)
	case opPorts:
		return t.Ports(ctx)
	case opRead:
		return t.Read(ctx, req.Port)
	case opWrite:
		v, err := decodeValue(req.Value)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Server", op, "decode sample")
		}
		return nil, t.Write(ctx, req.Port, v)
	case opConnect:
		if req.Connection == nil {
			return nil, errors.WrapInvalid(stderrors.New("missing connection request"), "Server", op, "decode request")
		}
		return nil, t.Connect(ctx, *req.Connection)
	case opDisconnect:
		return nil, t.Disconnect(ctx, req.Port, req.ID)
	case opDeliver:
		v, err := decodeValue(req.Value)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Server", op, "decode sample")
		}
		return nil, s.host.Deliver(ctx, task.PortRef{Task: name, Port: req.Port}, req.ID, v)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown operation %q", op), "Server", "dispatch", "route request")
	}
}
