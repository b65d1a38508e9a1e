package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tullo/streamly/internal/app"
)

func newPollCmd(opts *options) *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Probe every due channel once, or one channel with --channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if channel == "" {
					res, err := a.Scheduler.RunCycle(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}

				id, err := uuid.Parse(channel)
				if err != nil {
					return err
				}
				evs, err := a.Scheduler.PollChannel(ctx, id)
				if perr := printJSON(cmd.OutOrStdout(), evs); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id to probe regardless of due time")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete captures past their retention deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Requeue interrupted downloads and dispatch missed ones",
		Long: "Requeue interrupted downloads and dispatch missed ones.\n\n" +
			"Run this only while the daemon is stopped: every running download is\n" +
			"put back to pending. The daemon picks the pending rows up when it starts.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Pipeline.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
