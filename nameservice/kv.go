package nameservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/natsclient"
	"github.com/chhtz/tools-orocosrb/task"
	"github.com/chhtz/tools-orocosrb/transport/natsrpc"
)

// KVBackendName is the name of the NATS KV backend
const KVBackendName = "nats"

// DefaultBucket is the KV bucket holding registrations
const DefaultBucket = "OROCOS_NAMES"

// Registration is the record stored for a task in the KV bucket
type Registration struct {
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	Host         string    `json:"host"`
	PID          int       `json:"pid"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Store is the part of a KV bucket the backend uses. *natsclient.KVStore
// implements it.
type Store interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Dialer builds the remote side of a registered task
type Dialer func(reg Registration) task.Remote

// KVBackend keeps registrations in a NATS KV bucket shared by every
// process of a deployment. Lookups ping the registered task; a registration
// that does not answer is dangling and reported as not found.
type KVBackend struct {
	store          Store
	dial           Dialer
	connectTimeout time.Duration
	handleOpts     []task.Option
	logger         *slog.Logger
}

var _ Backend = (*KVBackend)(nil)

// KVOption configures a KVBackend
type KVOption func(*KVBackend)

// WithConnectTimeout bounds the ping done on lookup
func WithConnectTimeout(d time.Duration) KVOption {
	return func(b *KVBackend) { b.connectTimeout = d }
}

// WithHandleOptions are applied to every handle the backend returns
func WithHandleOptions(opts ...task.Option) KVOption {
	return func(b *KVBackend) { b.handleOpts = append(b.handleOpts, opts...) }
}

// WithKVLogger sets the logger
func WithKVLogger(logger *slog.Logger) KVOption {
	return func(b *KVBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewKVBackend creates a backend over store. dial turns registrations into
// remotes, typically natsrpc clients.
func NewKVBackend(store Store, dial Dialer, opts ...KVOption) *KVBackend {
	b := &KVBackend{
		store:          store,
		dial:           dial,
		connectTimeout: natsrpc.DefaultConnectTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "nameservice", "backend", KVBackendName)
	return b
}

// Name returns "nats"
func (b *KVBackend) Name() string { return KVBackendName }

// key encodes a task name into the KV key alphabet
func key(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func nameOf(key string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Registration returns the stored record for name
func (b *KVBackend) Registration(ctx context.Context, name string) (Registration, error) {
	entry, err := b.store.Get(ctx, key(name))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Registration{}, fmt.Errorf("task %s: %w", name, errors.ErrNotFound)
		}
		return Registration{}, errors.NewComError(err, "name service")
	}

	var reg Registration
	if err := json.Unmarshal(entry.Value, &reg); err != nil {
		return Registration{}, errors.WrapInvalid(err, "KVBackend", "Registration", "decode "+name)
	}
	return reg, nil
}

// Lookup returns a handle on name after checking the task answers
func (b *KVBackend) Lookup(ctx context.Context, name string) (*task.Handle, error) {
	reg, err := b.Registration(ctx, name)
	if err != nil {
		return nil, err
	}

	remote := b.dial(reg)
	pingCtx := ctx
	if b.connectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, b.connectTimeout)
		defer cancel()
	}
	if err := remote.Ping(pingCtx); err != nil {
		if !errors.IsCom(err) {
			return nil, err
		}
		return nil, fmt.Errorf("registration of %s (pid %d on %s) is dangling (%v): %w",
			name, reg.PID, reg.Host, err, errors.ErrNotFound)
	}

	opts := append([]task.Option{task.WithBackend(KVBackendName)}, b.handleOpts...)
	return task.NewHandle(name, remote, opts...), nil
}

// ListNames returns the registered names, sorted
func (b *KVBackend) ListNames(ctx context.Context) ([]string, error) {
	keys, err := b.store.Keys(ctx)
	if err != nil {
		return nil, errors.NewComError(err, "name service")
	}

	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name, err := nameOf(k)
		if err != nil {
			b.logger.Warn("Ignoring foreign key in name bucket", "key", k)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Register records name as served by this process
func (b *KVBackend) Register(ctx context.Context, name string, _ *task.Handle) error {
	hostname, _ := os.Hostname()
	reg := Registration{
		Name:         name,
		Endpoint:     natsrpc.SubjectPrefix + "." + natsrpc.Token(name),
		Host:         hostname,
		PID:          os.Getpid(),
		RegisteredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return errors.WrapInvalid(err, "KVBackend", "Register", "encode "+name)
	}
	if _, err := b.store.Put(ctx, key(name), data); err != nil {
		return errors.WrapTransient(err, "KVBackend", "Register", "store "+name)
	}
	b.logger.Debug("Registered task", "task", name)
	return nil
}

// Unregister deletes the registration of name. Unknown names are ignored.
func (b *KVBackend) Unregister(ctx context.Context, name string) error {
	if err := b.store.Delete(ctx, key(name)); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVBackend", "Unregister", "delete "+name)
	}
	return nil
}
