package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/bus"
)

// newPurgeCmd creates the "flowmesh purge" subcommand.
func newPurgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old processed messages",
		Long:  "Deletes processed bus messages older than --older-than (default: store.retention).\nPending messages are never deleted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			defer func() { _ = e.close() }()

			if olderThan <= 0 {
				olderThan = e.cfg.Retention()
			}
			b := bus.New(e.store, func(o *bus.Options) { o.Logger = e.logger })
			n, err := b.Purge(ctx, olderThan)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d messages older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of the processed messages to delete, e.g. 72h")
	return cmd
}

// newClearCmd creates the "flowmesh clear" subcommand.
func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all sessions, messages and artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("clear: refusing to delete all sessions without --yes")
			}
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			defer func() { _ = e.close() }()

			if err := e.store.Clear(ctx); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared all sessions.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
