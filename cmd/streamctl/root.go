package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tullo/streamly/config"
	"github.com/tullo/streamly/internal/app"
	"github.com/tullo/streamly/internal/log"
)

type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "streamctl",
		Short:        "Operate the streamly live capture scheduler",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (env vars still override it)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newPollCmd(opts),
		newSweepCmd(opts),
		newReconcileCmd(opts),
		newChannelsCmd(opts),
		newHashPasswordCmd(),
	)
	return root
}

// withApp builds the app, runs fn and flushes notifications before returning.
func withApp(ctx context.Context, opts *options, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	level := cfg.Server.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if err := log.Init(level, cfg.Server.Env); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()

	a.StartSinks(ctx)
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
