package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chhtz/tools-orocosrb/config"
	"github.com/chhtz/tools-orocosrb/health"
	"github.com/chhtz/tools-orocosrb/metric"
	"github.com/chhtz/tools-orocosrb/natsclient"
	"github.com/chhtz/tools-orocosrb/orocos"
	"github.com/chhtz/tools-orocosrb/process"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var deploymentsFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the deployments and supervise them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags, deploymentsFile)
		},
	}
	cmd.Flags().StringVarP(&deploymentsFile, "deployments", "d", "",
		"deployments file (overrides process.deployments_file)")
	return cmd
}

func serve(ctx context.Context, flags *rootFlags, deploymentsFile string) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	rt, err := startRuntime(ctx, flags,
		orocos.WithMetricsRegistry(registry),
		orocos.WithHealthMonitor(monitor),
	)
	if err != nil {
		return err
	}
	defer shutdownRuntime(rt, flags.shutdownTimeout)

	cfg := rt.Config()
	servers, err := startEndpoints(cfg, rt, registry, monitor)
	if err != nil {
		return err
	}
	defer stopEndpoints(servers, flags.shutdownTimeout)

	if deploymentsFile == "" {
		deploymentsFile = cfg.Process.DeploymentsFile
	}
	if deploymentsFile != "" {
		if err := startDeployments(ctx, rt, deploymentsFile, flags.waitTimeout); err != nil {
			return err
		}
	}

	slog.Info("Runtime serving",
		"tasks", rt.Host().Names(),
		"target", rt.Target(),
		"log_file", rt.LogFile())

	<-ctx.Done()
	slog.Info("Received shutdown signal")
	return nil
}

func startDeployments(ctx context.Context, rt *orocos.Runtime, path string, timeout time.Duration) error {
	specs, err := process.LoadDeployments(path)
	if err != nil {
		return err
	}

	for _, spec := range specs {
		p, err := rt.Spawn(ctx, spec)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", spec.Name, err)
		}
		slog.Info("Deployment started", "deployment", spec.Name, "pid", p.PID())
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(waitCtx)
	for _, spec := range specs {
		g.Go(func() error {
			if err := rt.WaitReady(gctx, spec.Name); err != nil {
				return fmt.Errorf("wait for %s: %w", spec.Name, err)
			}
			slog.Info("Deployment ready", "deployment", spec.Name, "tasks", spec.Tasks)
			return nil
		})
	}
	return g.Wait()
}

// startEndpoints serves metrics and health. When both share a port the
// health endpoints are mounted on the metrics server.
func startEndpoints(cfg *config.Config, rt *orocos.Runtime, registry *metric.MetricsRegistry,
	monitor *health.Monitor,
) ([]*metric.Server, error) {
	healthHandler := health.NewHandler(monitor,
		health.WithSystemName(appName),
		health.WithLivenessCheck("child_watcher", health.WatcherCheck(func() bool {
			return cfg.Process.DisableChildWatcher || rt.Processes().WatcherRunning()
		})),
		health.WithReadinessCheck("nats", health.NATSCheck(func() *natsclient.Client {
			return rt.NATS()
		})),
	)
	healthPath := strings.TrimSuffix(cfg.Health.Path, "/")
	if healthPath == "" {
		healthPath = "/health"
	}
	mountHealth := func(s *metric.Server) {
		s.Handle(healthPath+"/", http.StripPrefix(healthPath, healthHandler))
	}

	var servers []*metric.Server
	if cfg.Metrics.Port > 0 {
		s := metric.NewServer(listenAddr(cfg.Metrics.Port), cfg.Metrics.Path, registry)
		if cfg.Health.Port == cfg.Metrics.Port {
			mountHealth(s)
		}
		servers = append(servers, s)
	}
	if cfg.Health.Port > 0 && cfg.Health.Port != cfg.Metrics.Port {
		// A registry is required by Start; the health server exposes it too.
		s := metric.NewServer(listenAddr(cfg.Health.Port), cfg.Metrics.Path, registry)
		mountHealth(s)
		servers = append(servers, s)
	}

	for i, s := range servers {
		if err := s.Start(); err != nil {
			stopEndpoints(servers[:i], time.Second)
			return nil, err
		}
		slog.Info("HTTP endpoint listening", "address", s.Address())
	}
	return servers, nil
}

func stopEndpoints(servers []*metric.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("HTTP endpoint shutdown failed", "address", s.Address(), "error", err)
		}
	}
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
