//go:build integration

package orocos

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/chhtz/tools-orocosrb/config"
	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/nameservice"
	"github.com/chhtz/tools-orocosrb/natsclient"
	"github.com/chhtz/tools-orocosrb/task"
)

// RuntimeIntegrationSuite runs several runtimes against one NATS server
type RuntimeIntegrationSuite struct {
	suite.Suite
	nats *natsclient.TestClient
}

func TestRuntimeIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RuntimeIntegrationSuite))
}

func (s *RuntimeIntegrationSuite) SetupSuite() {
	tc, err := natsclient.NewSharedTestClient(natsclient.WithFastStartup(), natsclient.WithJetStream())
	s.Require().NoError(err)
	s.nats = tc
}

func (s *RuntimeIntegrationSuite) TearDownSuite() {
	if s.nats != nil {
		_ = s.nats.Terminate()
	}
}

func (s *RuntimeIntegrationSuite) newRuntime(name, bucket string) *Runtime {
	cfg := config.Default()
	cfg.Process.DisableChildWatcher = true
	cfg.Runtime.LogFile = filepath.Join(s.T().TempDir(), name+".txt")
	cfg.NATS.ConnectTimeout = 500 * time.Millisecond
	cfg.NATS.CallTimeout = 2 * time.Second
	cfg.NATS.URL = s.nats.URL
	cfg.NameService.Bucket = bucket

	rt, err := New(cfg, WithMetricsRegistry(metric.NewMetricsRegistry()))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	s.Require().NoError(rt.Initialize(context.Background(), name))
	return rt
}

func (s *RuntimeIntegrationSuite) TestRemotePropertyAccess() {
	ctx := context.Background()
	left := s.newRuntime("left", "NAMES_PROPS")
	right := s.newRuntime("right", "NAMES_PROPS")
	s.Require().NotNil(left.NATS())
	s.True(left.NATS().IsHealthy())

	s.Require().NoError(left.WithPseudoTask(func(pseudo *task.LocalTask) error {
		return pseudo.AddProperty("mode", "/std/string", "idle", nil)
	}))

	h, err := right.Resolve(ctx, "left")
	s.Require().NoError(err)
	s.Equal(nameservice.KVBackendName, h.Backend())

	s.Require().NoError(h.SetProperty(ctx, "mode", "busy"))
	mode, err := h.Property(ctx, "mode")
	s.Require().NoError(err)
	s.Equal("busy", mode)
}

func (s *RuntimeIntegrationSuite) TestClearedRuntimeIsPruned() {
	ctx := context.Background()
	left := s.newRuntime("leaving", "NAMES_PRUNE")
	right := s.newRuntime("staying", "NAMES_PRUNE")

	_, err := right.Resolve(ctx, "leaving")
	s.Require().NoError(err)

	left.Clear()

	_, err = right.Resolve(ctx, "leaving")
	s.ErrorIs(err, errors.ErrNotFound)

	names, err := right.Resolver().Names(ctx)
	s.Require().NoError(err)
	s.NotContains(names, "leaving")
	s.Contains(names, "staying")
}
