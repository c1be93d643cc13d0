// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/mattermost-mirror/pkg/connector"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	NoUpdate   bool
}

// NewRootCommand creates the root command. Without a subcommand it runs
// the mirror service.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	runCmd := NewRunCommand(opts)
	cmd := &cobra.Command{
		Use:           "mattermost-mirror",
		Short:         "Mirror one channel into many",
		Long:          "Copies every message of a source channel into target channels and keeps edits and deletions in sync.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the config file")
	cmd.PersistentFlags().BoolVarP(&opts.NoUpdate, "no-update", "n", false, "don't write upgraded config back to disk")

	cmd.AddCommand(runCmd)
	cmd.AddCommand(NewBackfillCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// setup loads the config and builds the logger from its logging section.
func setup(opts *RootOptions) (*connector.Config, *zerolog.Logger, error) {
	cfg, err := connector.LoadConfig(opts.ConfigPath, !opts.NoUpdate)
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// withConnector builds a connector that is not started, runs fn and stops
// the connector again.
func withConnector(ctx context.Context, opts *RootOptions, fn func(mc *connector.MirrorConnector) error) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}
	mc, err := connector.NewMirrorConnector(ctx, cfg, *log)
	if err != nil {
		return err
	}
	err = fn(mc)
	if stopErr := mc.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
