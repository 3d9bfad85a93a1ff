package orocos

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chhtz/tools-orocosrb/config"
	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/nameservice"
	"github.com/chhtz/tools-orocosrb/natsclient"
	"github.com/chhtz/tools-orocosrb/transport/natsrpc"
)

// Transport is the connection the RPC layer runs on. *natsclient.Client
// implements it.
type Transport interface {
	natsrpc.Conn
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IsHealthy() bool
}

// TransportFactory builds the transport when the RPC layer initializes
type TransportFactory func(cfg config.NATSConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (Transport, error)

// NameStoreFactory opens the KV store of the "nats" name backend over a
// connected transport
type NameStoreFactory func(ctx context.Context, t Transport, bucket string) (nameservice.Store, error)

var _ Transport = (*natsclient.Client)(nil)

func natsTransport(cfg config.NATSConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (Transport, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName("orocos"),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithMetrics(registry),
		natsclient.WithLogger(logger),
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.PingInterval))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.User, cfg.Password))
	}
	if cfg.TLS.Enabled() {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.CA))
	}
	return natsclient.NewClient(cfg.URL, opts...)
}

func natsNameStore(ctx context.Context, t Transport, bucket string) (nameservice.Store, error) {
	client, ok := t.(*natsclient.Client)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("transport %T has no key-value store", t),
			"Runtime", "Initialize", "open name bucket")
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "orocos task registrations",
	})
	if err != nil {
		return nil, err
	}
	return client.NewKVStore(kv), nil
}

// rpcLayer is the connected transport plus the server of the tasks hosted
// by this process
type rpcLayer struct {
	transport  Transport
	server     *natsrpc.Server
	clientOpts []natsrpc.Option
}

func (l *rpcLayer) close(ctx context.Context, logger *slog.Logger) {
	if err := l.server.Close(); err != nil {
		logger.Warn("Cannot stop serving tasks", "error", err)
	}
	if err := l.transport.Close(ctx); err != nil {
		logger.Warn("Cannot close transport", "error", err)
	}
}

// initRPC connects the transport and creates the task server. Callers hold
// r.mu.
func (r *Runtime) initRPC(ctx context.Context) error {
	if r.rpc != nil {
		return nil
	}

	t, err := r.newTransport(r.cfg.NATS, r.registry, r.logger)
	if err != nil {
		return errors.WrapInvalid(err, "Runtime", "Initialize", "create transport")
	}
	if err := t.Connect(ctx); err != nil {
		r.report("nats", err)
		r.recordError("runtime", err)
		return errors.WrapTransient(err, "Runtime", "Initialize", "connect "+r.cfg.NATS.URL)
	}
	r.report("nats", nil)
	if client, ok := t.(*natsclient.Client); ok {
		client.OnHealthChange(r.natsHealthChanged)
	}

	opts := []natsrpc.Option{
		natsrpc.WithCallTimeout(r.cfg.NATS.CallTimeout),
		natsrpc.WithConnectTimeout(r.cfg.NATS.ConnectTimeout),
		natsrpc.WithMaxMessageSize(r.cfg.NATS.MaxMessageSize),
		natsrpc.WithTracerProvider(r.tracer),
		natsrpc.WithMetrics(r.rpcMetrics),
		natsrpc.WithLogger(r.logger),
	}
	r.rpc = &rpcLayer{
		transport:  t,
		server:     natsrpc.NewServer(t, r.host, opts...),
		clientOpts: opts,
	}
	r.logger.Info("RPC layer initialized", "url", r.cfg.NATS.URL,
		"call_timeout", r.cfg.NATS.CallTimeout, "connect_timeout", r.cfg.NATS.ConnectTimeout)
	return nil
}

func (r *Runtime) natsHealthChanged(healthy bool) {
	if healthy {
		r.report("nats", nil)
		return
	}
	r.report("nats", errors.NewComError(errors.New("connection lost, reconnecting"), "nats"))
}

func (r *Runtime) rpcInitialized(method string) error {
	if r.rpc != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: RPC layer already initialized", errors.ErrAlreadyInitialized),
			"Runtime", method, "RPC state check")
	}
	return nil
}

// SetNameServiceHost points the name service and the NATS connection at
// host. It fails once the RPC layer is initialized.
func (r *Runtime) SetNameServiceHost(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rpcInitialized("SetNameServiceHost"); err != nil {
		return err
	}

	u, err := url.Parse(r.cfg.NATS.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Runtime", "SetNameServiceHost", "parse NATS URL")
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	r.cfg.NATS.URL = u.String()
	r.cfg.NameService.Host = host
	return nil
}

// SetMaxMessageSize bounds the size of RPC messages. It fails once the RPC
// layer is initialized.
func (r *Runtime) SetMaxMessageSize(size int) error {
	if size < 0 {
		return errors.WrapInvalid(fmt.Errorf("negative max message size %d", size),
			"Runtime", "SetMaxMessageSize", "size check")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rpcInitialized("SetMaxMessageSize"); err != nil {
		return err
	}
	r.cfg.NATS.MaxMessageSize = size
	return nil
}

// Transport returns the RPC transport, nil before Initialize
func (r *Runtime) Transport() Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rpc == nil {
		return nil
	}
	return r.rpc.transport
}

// NATS returns the NATS client of the RPC layer, nil before Initialize or
// when the transport is not a NATS connection
func (r *Runtime) NATS() *natsclient.Client {
	client, _ := r.Transport().(*natsclient.Client)
	return client
}
