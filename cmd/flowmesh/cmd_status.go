package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/registry"
	"github.com/hupe1980/flowmesh/runner"
)

// newStatusCmd creates the "flowmesh status" subcommand.
func newStatusCmd(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status [root-id]",
		Short: "Show the stored session hierarchy",
		Long:  "Prints every stored hierarchy (or only the one below root-id) with the\nstatus and progress of each session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer func() { _ = e.close() }()

			reg, err := loadRegistry(ctx, e.store)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			var trees []*registry.Node
			if len(args) == 1 {
				tree, err := reg.Tree(args[0])
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				trees = append(trees, tree)
			} else {
				trees = reg.Forest()
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(trees)
			}
			if len(trees) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			th := DefaultTheme()
			for i, tree := range trees {
				if i > 0 {
					fmt.Fprintln(out)
				}
				renderTree(out, tree, th)
				rep := runner.Summarize(tree)
				fmt.Fprintf(out, "%d sessions, %d%% done, %d failed\n", rep.Sessions, rep.Progress, len(rep.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the hierarchy as JSON")
	return cmd
}
