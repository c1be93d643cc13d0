// Copyright 2024-2026 Aiku AI

package main

import (
	"github.com/spf13/cobra"

	"github.com/aiku/mattermost-mirror/pkg/connector"
)

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	Full bool
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one backfill pass and exit",
		Long: `Walk the source history and copy every message that has not been
mirrored yet, then print the pass result.

An incremental run stops at the sync cursor. Use --full to walk the whole
history and repair messages with missing copies.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withConnector(ctx, opts.RootOptions, func(mc *connector.MirrorConnector) error {
				if err := mc.Platform.Authenticate(ctx); err != nil {
					return err
				}
				res, err := mc.Backfiller.Run(ctx, opts.Full)
				if printErr := printJSON(cmd.OutOrStdout(), res); printErr != nil && err == nil {
					err = printErr
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Full, "full", false, "ignore the sync cursor and walk the whole history")

	return cmd
}
