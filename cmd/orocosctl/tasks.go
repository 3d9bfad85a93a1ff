package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chhtz/tools-orocosrb/errors"
)

func newResolveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Resolve tasks by name and print their backend and state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := startRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer shutdownRuntime(rt, flags.shutdownTimeout)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tBACKEND\tSTATE")

			var missing int
			for _, name := range args {
				callCtx, cancel := context.WithTimeout(ctx, flags.waitTimeout)
				h, err := rt.Resolve(callCtx, name)
				if err != nil {
					cancel()
					if !errors.IsNotFound(err) {
						return err
					}
					missing++
					_, _ = fmt.Fprintf(w, "%s\t-\tnot found\n", name)
					continue
				}
				state, err := h.State(callCtx)
				cancel()
				stateText := state.String()
				if err != nil {
					stateText = "unreachable"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", h.Name(), h.Backend(), stateText)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d tasks not found: %w", missing, len(args), errors.ErrNotFound)
			}
			return nil
		},
	}
}

func newNamesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "List the task names known to the name service backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := startRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer shutdownRuntime(rt, flags.shutdownTimeout)

			listCtx, cancel := context.WithTimeout(ctx, flags.waitTimeout)
			defer cancel()
			names, err := rt.Resolver().Names(listCtx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range names {
				if _, err := fmt.Fprintln(out, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newCleanupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove registrations of tasks that no longer answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := startRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer shutdownRuntime(rt, flags.shutdownTimeout)

			cleanCtx, cancel := context.WithTimeout(ctx, flags.waitTimeout)
			defer cancel()
			removed, err := rt.Cleanup(cleanCtx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range removed {
				_, _ = fmt.Fprintf(out, "removed %s\n", name)
			}
			_, err = fmt.Fprintf(out, "%d dangling registrations removed\n", len(removed))
			return err
		},
	}
}

func newConfigureCmd(flags *rootFlags) *cobra.Command {
	var confDirs []string

	cmd := &cobra.Command{
		Use:   "configure TASK MODEL [SECTION...]",
		Short: "Apply configuration sections of MODEL to a running task",
		Long: "Resolves TASK and writes the merged properties of the given sections of MODEL.\n" +
			"Without sections the default section is applied.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := startRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer shutdownRuntime(rt, flags.shutdownTimeout)

			for _, dir := range confDirs {
				if err := rt.LoadConfigDir(dir); err != nil {
					return err
				}
			}

			callCtx, cancel := context.WithTimeout(ctx, flags.waitTimeout)
			defer cancel()
			h, err := rt.Resolve(callCtx, args[0])
			if err != nil {
				return err
			}
			model, sections := args[1], args[2:]
			if err := rt.Conf().Apply(callCtx, h, model, sections...); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "applied %s to %s\n", model, h.Name())
			return err
		},
	}
	cmd.Flags().StringSliceVar(&confDirs, "conf-dir", nil,
		"extra task configuration directory, on top of runtime.config_dir")
	return cmd
}
