package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/archive"
)

// newExportCmd creates the "flowmesh export" subcommand.
func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <root-id>",
		Short: "Export a session hierarchy",
		Long:  "Writes the hierarchy below root-id as a JSON archive to stdout or --output.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer func() { _ = e.close() }()

			arc, err := archive.Export(ctx, e.store, args[0])
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := archive.Write(w, arc); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if w != cmd.OutOrStdout() {
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d sessions to %s\n", len(arc.Sessions()), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive file (default stdout)")
	return cmd
}

// newImportCmd creates the "flowmesh import" subcommand.
func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive.json>",
		Short: "Import a session hierarchy",
		Long:  "Validates an archive written by export and stores its sessions.\nExisting sessions with the same ids are replaced.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			defer f.Close()

			arc, err := archive.Read(f)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}

			e, err := a.open(ctx)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			defer func() { _ = e.close() }()

			root, err := archive.Import(ctx, e.store, arc)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sessions (root %s)\n", len(arc.Sessions()), root.ID)
			return nil
		},
	}
}
