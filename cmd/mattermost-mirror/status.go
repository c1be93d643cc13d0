// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aiku/mattermost-mirror/pkg/connector"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Print mapping store counts and the sync cursor",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return withConnector(ctx, opts, func(mc *connector.MirrorConnector) error {
				status, err := mc.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mattermost-mirror %s\ncommit: %s\nbuilt: %s\n", Tag, Commit, BuildTime)
		},
	}
}
