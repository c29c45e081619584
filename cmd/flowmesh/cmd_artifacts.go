package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/artifact"
	"github.com/hupe1980/flowmesh/core"
)

// newArtifactsCmd creates the "flowmesh artifacts" subcommand.
func newArtifactsCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "artifacts <root-id>",
		Short: "List or export worker artifacts",
		Long:  "Lists the artifacts stored for the hierarchy below root-id.\nWith --output the artifacts are written to <output>/<session-id>/<name>.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("artifacts: %w", err)
			}
			defer func() { _ = e.close() }()

			src, ok := e.store.(core.ArtifactStore)
			if !ok {
				return errors.New("artifacts: store does not keep artifacts")
			}
			reg, err := loadRegistry(ctx, e.store)
			if err != nil {
				return fmt.Errorf("artifacts: %w", err)
			}
			tree, err := reg.Tree(args[0])
			if err != nil {
				return fmt.Errorf("artifacts: %w", err)
			}
			refs, err := artifact.Collect(ctx, src, tree.Sessions())
			if err != nil {
				return fmt.Errorf("artifacts: %w", err)
			}

			out := cmd.OutOrStdout()
			if outDir != "" {
				paths, err := artifact.WriteDir(ctx, src, refs, outDir)
				if err != nil {
					return fmt.Errorf("artifacts: %w", err)
				}
				fmt.Fprintf(out, "Wrote %d artifacts to %s\n", len(paths), outDir)
				return nil
			}
			if len(refs) == 0 {
				fmt.Fprintln(out, "No artifacts.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tNAME\tSIZE")
			for _, r := range refs {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", r.SessionName, r.Name, r.Size)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", "", "directory to write the artifacts to")
	return cmd
}
