package natsrpc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/policy"
	"github.com/chhtz/tools-orocosrb/task"
)

// bus routes requests to in-process servers the way NATS routes them to
// subscribers
type bus struct {
	mu       sync.RWMutex
	servers  []*Server
	requests atomic.Int32
}

func (b *bus) attach(s *Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers = append(b.servers, s)
}

func (b *bus) Subscribe(string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, nil
}

func (b *bus) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	b.requests.Add(1)
	token, op, ok := splitSubject(subject)
	if !ok {
		return nil, nats.ErrBadSubject
	}

	b.mu.RLock()
	servers := append([]*Server(nil), b.servers...)
	b.mu.RUnlock()

	for _, s := range servers {
		if name, ok := s.lookup(token); ok {
			return &nats.Msg{Subject: subject, Data: s.handle(ctx, name, op, data)}, nil
		}
	}
	return nil, nats.ErrNoResponders
}

// stall never answers
type stall struct{}

func (stall) Request(ctx context.Context, _ string, _ []byte) (*nats.Msg, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newCamera(t *testing.T) *task.LocalTask {
	t.Helper()
	camera := task.NewLocalTask("camera")
	require.NoError(t, camera.AddPort("frames", task.DirectionOutput, "/double", nil))
	require.NoError(t, camera.AddPort("trigger", task.DirectionInput, "/double", nil))
	require.NoError(t, camera.AddProperty("fps", "/double", 30.0, func(v any) error {
		if f, ok := v.(float64); !ok || f <= 0 {
			return assert.AnError
		}
		return nil
	}))
	require.NoError(t, camera.AddOperation("add", func(_ context.Context, args []any) (any, error) {
		sum := 0.0
		for _, a := range args {
			sum += a.(float64)
		}
		return sum, nil
	}))
	return camera
}

func serve(t *testing.T, b *bus, tasks ...*task.LocalTask) *Server {
	t.Helper()
	host := task.NewHost(nil)
	for _, lt := range tasks {
		require.NoError(t, host.Add(lt))
	}
	s := NewServer(b, host)
	require.NoError(t, s.ServeAll())
	b.attach(s)
	return s
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "orocos.task.camera.state", Subject("camera", "state"))
	assert.Equal(t, "orocos.task._ns_camera.ping", Subject("/ns/camera", "ping"))
	assert.Equal(t, "orocos.task.a_b.ping", Subject("a.b", "ping"))

	token, op, ok := splitSubject(Subject("a.b", "set_property"))
	require.True(t, ok)
	assert.Equal(t, "a_b", token)
	assert.Equal(t, "set_property", op)

	_, _, ok = splitSubject("other.task.x.ping")
	assert.False(t, ok)
	_, _, ok = splitSubject("orocos.task.ping")
	assert.False(t, ok)
}

func TestRemoteErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{
			name: "interface object",
			err:  &errors.InterfaceObjectNotFound{Task: "camera", Name: "fps"},
			check: func(t *testing.T, err error) {
				var nf *errors.InterfaceObjectNotFound
				require.True(t, errors.As(err, &nf))
				assert.Equal(t, "fps", nf.Name)
				assert.True(t, errors.IsNotFound(err))
			},
		},
		{
			name: "communication",
			err:  errors.NewComError(assert.AnError, "camera"),
			check: func(t *testing.T, err error) {
				assert.True(t, errors.IsCom(err))
				assert.Contains(t, err.Error(), "communication failed with camera")
			},
		},
		{
			name: "invalid with sentinel",
			err:  errors.WrapInvalid(errors.ErrPolicy, "LocalTask", "port", "direction check"),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, errors.ErrPolicy)
				assert.True(t, errors.IsInvalid(err))
				assert.False(t, errors.IsCom(err))
			},
		},
		{
			name: "rejection",
			err:  errors.New("camera: start is not allowed in state PRE_OPERATIONAL"),
			check: func(t *testing.T, err error) {
				assert.False(t, errors.IsCom(err))
				assert.False(t, errors.IsInvalid(err))
				assert.Equal(t, "camera: start is not allowed in state PRE_OPERATIONAL", err.Error())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, fromRemote("camera", toRemote(tt.err)))
		})
	}
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := &bus{}
	serve(t, b, newCamera(t))
	client := NewClient("camera", b)

	require.NoError(t, client.Ping(ctx))

	state, err := client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.PreOperational, state)

	require.NoError(t, client.Configure(ctx))
	require.NoError(t, client.Start(ctx))
	state, err = client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.Running, state)

	require.NoError(t, client.Stop(ctx))
	require.NoError(t, client.Cleanup(ctx))
	state, err = client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.PreOperational, state)
}

func TestClient_RejectionIsNotComError(t *testing.T) {
	b := &bus{}
	serve(t, b, newCamera(t))
	client := NewClient("camera", b)

	err := client.Start(context.Background())
	require.Error(t, err)
	assert.False(t, errors.IsCom(err))
	assert.Contains(t, err.Error(), "start")
}

func TestClient_ThroughHandle(t *testing.T) {
	ctx := context.Background()
	b := &bus{}
	serve(t, b, newCamera(t))
	h := task.NewHandle("camera", NewClient("camera", b))

	err := h.Start(ctx)
	assert.ErrorIs(t, err, errors.ErrStartFailed)
	assert.False(t, errors.IsCom(err))

	require.NoError(t, h.Configure(ctx))
	require.NoError(t, h.Start(ctx))

	err = h.SetProperty(ctx, "fps", -1.0)
	assert.ErrorIs(t, err, errors.ErrPropertyChangeRejected)
}

func TestClient_Properties(t *testing.T) {
	ctx := context.Background()
	b := &bus{}
	serve(t, b, newCamera(t))
	client := NewClient("camera", b)

	v, err := client.Property(ctx, "fps")
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)

	require.NoError(t, client.SetProperty(ctx, "fps", 60))
	v, err = client.Property(ctx, "fps")
	require.NoError(t, err)
	assert.Equal(t, 60.0, v)

	props, err := client.Properties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "fps", props[0].Name)

	_, err = client.Property(ctx, "exposure")
	var nf *errors.InterfaceObjectNotFound
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "camera", nf.Task)
	assert.Equal(t, "exposure", nf.Name)
}

func TestClient_Invoke(t *testing.T) {
	b := &bus{}
	serve(t, b, newCamera(t))
	client := NewClient("camera", b)

	raw, err := client.Invoke(context.Background(), "add", 1, 2.5)
	require.NoError(t, err)
	var sum float64
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.Equal(t, 3.5, sum)

	_, err = client.Invoke(context.Background(), "multiply")
	assert.True(t, errors.IsNotFound(err))
}

func TestClient_Ports(t *testing.T) {
	b := &bus{}
	serve(t, b, newCamera(t))
	client := NewClient("camera", b)

	ports, err := client.Ports(context.Background())
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "frames", ports[0].Name)
	assert.Equal(t, task.DirectionOutput, ports[0].Direction)
	assert.Equal(t, "/double", ports[0].TypeName)

	_, err = client.Read(context.Background(), "frames")
	assert.ErrorIs(t, err, errors.ErrPolicy, "reading an output port")
}

func TestClient_CrossHostDelivery(t *testing.T) {
	ctx := context.Background()
	b := &bus{}

	producer := task.NewLocalTask("producer")
	require.NoError(t, producer.AddPort("out", task.DirectionOutput, "/double", nil))
	consumer := task.NewLocalTask("consumer")
	require.NoError(t, consumer.AddPort("in", task.DirectionInput, "/double", nil))
	serve(t, b, producer)
	serve(t, b, consumer)

	out := NewClient("producer", b)
	in := NewClient("consumer", b)
	resolved, err := policy.Resolve(policy.Buffer(2))
	require.NoError(t, err)

	require.NoError(t, in.Connect(ctx, task.ConnectionRequest{
		ID: "c1", Port: "in", Role: task.RoleReader,
		Peer: task.PortRef{Task: "producer", Port: "out"}, Policy: resolved,
	}))
	require.NoError(t, out.Connect(ctx, task.ConnectionRequest{
		ID: "c1", Port: "out", Role: task.RoleWriter,
		Peer: task.PortRef{Task: "consumer", Port: "in"}, Policy: resolved,
	}))

	require.NoError(t, out.Write(ctx, "out", 1.5))
	require.NoError(t, out.Write(ctx, "out", 2.5))

	s, err := in.Read(ctx, "in")
	require.NoError(t, err)
	assert.Equal(t, task.Sample{Status: task.NewData, Value: 1.5}, s)
	s, err = in.Read(ctx, "in")
	require.NoError(t, err)
	assert.Equal(t, task.Sample{Status: task.NewData, Value: 2.5}, s)
	s, err = in.Read(ctx, "in")
	require.NoError(t, err)
	assert.Equal(t, task.OldData, s.Status)
}

func TestClient_Unreachable(t *testing.T) {
	b := &bus{}
	client := NewClient("ghost", b)

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCom(err))
	assert.ErrorIs(t, err, nats.ErrNoResponders)
	assert.Contains(t, err.Error(), "communication failed with ghost")
}

func TestClient_DisposedTask(t *testing.T) {
	b := &bus{}
	camera := newCamera(t)
	serve(t, b, camera)
	camera.Dispose()

	_, err := NewClient("camera", b).State(context.Background())
	assert.True(t, errors.IsCom(err))
}

func TestClient_Timeouts(t *testing.T) {
	client := NewClient("camera", stall{},
		WithConnectTimeout(20*time.Millisecond),
		WithCallTimeout(40*time.Millisecond))

	start := time.Now()
	err := client.Ping(context.Background())
	assert.True(t, errors.IsCom(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = client.Configure(context.Background())
	assert.True(t, errors.IsCom(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_MaxMessageSize(t *testing.T) {
	b := &bus{}
	serve(t, b, newCamera(t))
	client := NewClient("camera", b, WithMaxMessageSize(64))

	err := client.SetProperty(context.Background(), "fps", strings.Repeat("x", 128))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int32(0), b.requests.Load(), "oversized request is never sent")
}

func TestServer_Serve(t *testing.T) {
	b := &bus{}
	host := task.NewHost(nil)
	require.NoError(t, host.Add(task.NewLocalTask("a.b")))
	require.NoError(t, host.Add(task.NewLocalTask("a/b")))
	s := NewServer(b, host)

	err := s.Serve("missing")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.Serve("a.b"))
	require.NoError(t, s.Serve("a.b"), "serving twice is a no-op")
	err = s.Serve("a/b")
	assert.ErrorIs(t, err, errors.ErrAmbiguousName)
	assert.Equal(t, []string{"a.b"}, s.Served())

	require.NoError(t, s.Unserve("a/b"), "unknown name is ignored")
	assert.Len(t, s.Served(), 1)
	require.NoError(t, s.Close())
	assert.Empty(t, s.Served())
}

func TestServer_UnknownOperation(t *testing.T) {
	b := &bus{}
	s := serve(t, b, newCamera(t))

	var rep reply
	require.NoError(t, json.Unmarshal(s.handle(context.Background(), "camera", "explode", nil), &rep))
	require.NotNil(t, rep.Error)
	assert.Equal(t, kindInvalid, rep.Error.Kind)

	require.NoError(t, json.Unmarshal(s.handle(context.Background(), "camera", opState, []byte("{")), &rep))
	assert.Equal(t, kindInvalid, rep.Error.Kind)
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	b := &bus{}
	host := task.NewHost(nil)
	require.NoError(t, host.Add(newCamera(t)))
	s := NewServer(b, host, WithMetrics(m))
	require.NoError(t, s.ServeAll())
	b.attach(s)

	client := NewClient("camera", b, WithMetrics(m))
	require.NoError(t, client.Ping(context.Background()))
	require.Error(t, client.Start(context.Background()))
	require.Error(t, NewClient("ghost", b, WithMetrics(m)).Ping(context.Background()))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.requests.WithLabelValues(opPing, "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.requests.WithLabelValues(opStart, "rejected")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.requests.WithLabelValues(opPing, "com_error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.served.WithLabelValues(opStart, kindRejected)))

	_, err = NewMetrics(registry)
	assert.Error(t, err, "duplicate registration")

	none, err := NewMetrics(nil)
	assert.NoError(t, err)
	assert.Nil(t, none)
}
