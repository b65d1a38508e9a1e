package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tullo/streamly/internal/app"
	"github.com/tullo/streamly/internal/models"
)

const minPollInterval = 30 * time.Second

func newChannelsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage monitored channels",
	}
	cmd.AddCommand(
		newChannelsAddCmd(opts),
		newChannelsListCmd(opts),
		newChannelsSetActiveCmd(opts, "pause", false),
		newChannelsSetActiveCmd(opts, "resume", true),
	)
	return cmd
}

func newChannelsAddCmd(opts *options) *cobra.Command {
	var (
		interval  time.Duration
		retention int
	)

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a channel by URL, handle or channel id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval != 0 && interval < minPollInterval {
				return fmt.Errorf("interval must be at least %s", minPollInterval)
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				info, err := a.YouTube.Lookup(ctx, args[0])
				if err != nil {
					return err
				}

				ch := &models.Channel{
					PlatformID:   info.PlatformID,
					Name:         info.Name,
					URL:          info.URL,
					Active:       true,
					PollInterval: a.Config.Monitor.PollInterval,
				}
				if interval > 0 {
					ch.PollInterval = interval
				}
				if retention > 0 {
					ch.RetentionDays = &retention
				}
				if err := a.Store.CreateChannel(ctx, ch); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ch)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default POLL_INTERVAL)")
	cmd.Flags().IntVar(&retention, "retention", 0, "retention days override")
	return cmd
}

func newChannelsListCmd(opts *options) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				channels, err := a.Store.ListChannels(ctx, !all)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tACTIVE\tINTERVAL\tFAILURES\tLAST CHECK")
				for _, ch := range channels {
					last := "never"
					if ch.LastCheckedAt != nil {
						last = ch.LastCheckedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%s\n", ch.ID, ch.Name, ch.Active, ch.PollInterval, ch.ConsecutiveFailures, last)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive channels")
	return cmd
}

func newChannelsSetActiveCmd(opts *options, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("Set a channel active=%t", active),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid channel id: %w", err)
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				return a.Store.SetChannelActive(ctx, id, active)
			})
		},
	}
}
