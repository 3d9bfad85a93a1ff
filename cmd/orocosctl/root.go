package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/chhtz/tools-orocosrb/config"
	"github.com/chhtz/tools-orocosrb/orocos"
)

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Supervise Orocos deployments and talk to their tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.validate(); err != nil {
				return err
			}
			slog.SetDefault(setupLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringSliceVarP(&flags.configPaths, "config", "c", getEnvList(envConfig),
		"configuration file; repeat to layer files, later ones win (env: "+envConfig+")")
	pf.StringVar(&flags.logLevel, "log-level", getEnv(envLogLevel, "info"),
		"log level: debug, info, warn, error (env: "+envLogLevel+")")
	pf.StringVar(&flags.logFormat, "log-format", getEnv(envLogFormat, "text"),
		"log format: json, text (env: "+envLogFormat+")")
	pf.StringVar(&flags.name, "name", "",
		"name of the pseudo task registered by this process (default orocosrb_<pid>)")
	pf.DurationVar(&flags.shutdownTimeout, "shutdown-timeout", getEnvDuration(envShutdownTimeout, 30*time.Second),
		"graceful shutdown timeout (env: "+envShutdownTimeout+")")
	pf.DurationVar(&flags.waitTimeout, "wait-timeout", getEnvDuration(envWaitTimeout, 20*time.Second),
		"how long to wait for deployments and remote calls (env: "+envWaitTimeout+")")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newResolveCmd(flags))
	cmd.AddCommand(newNamesCmd(flags))
	cmd.AddCommand(newCleanupCmd(flags))
	cmd.AddCommand(newConfigureCmd(flags))

	return cmd
}

// loadConfig merges the defaults, the --config layers and the environment
func loadConfig(flags *rootFlags) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range flags.configPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	return loader.Load()
}

// startRuntime loads the configuration and initializes a runtime. The
// caller owns the returned runtime and must shut it down.
func startRuntime(ctx context.Context, flags *rootFlags, opts ...orocos.Option) (*orocos.Runtime, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	opts = append([]orocos.Option{orocos.WithLogger(slog.Default())}, opts...)
	rt, err := orocos.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, flags.waitTimeout)
	defer cancel()
	if err := rt.Initialize(initCtx, flags.name); err != nil {
		shutdownRuntime(rt, flags.shutdownTimeout)
		return nil, fmt.Errorf("initialize runtime: %w", err)
	}
	return rt, nil
}

func shutdownRuntime(rt *orocos.Runtime, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		slog.Warn("Runtime shutdown incomplete", "error", err)
	}
}
