// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/mattermost-mirror/pkg/connector"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mirror service",
		Long: `Run the mirror service until interrupted.

The service connects to the platform event stream, mirrors new messages,
edits and deletions, and runs a backfill pass on startup and after every
reconnect.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), opts)
		},
	}
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runService(ctx context.Context, opts *RootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Initializing mattermost-mirror")

	mc, err := connector.NewMirrorConnector(ctx, cfg, *log)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	if err := mc.Start(ctx); err != nil {
		_ = mc.Stop()
		return err
	}
	log.Info().Msg("Mirror started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return mc.Stop()
}
