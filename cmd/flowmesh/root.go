package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/model"
)

// app carries the global flags shared by every subcommand.
type app struct {
	configPath string
	projectDir string

	// model replaces the configured provider when set.
	model model.Model
}

// newRootCmd creates the root flowmesh command with all subcommands attached.
func newRootCmd() *cobra.Command {
	return newRootCmdWithApp(&app{})
}

func newRootCmdWithApp(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowmesh",
		Short:         "Hierarchical session execution engine",
		Long:          "flowmesh drives a project through manager, supervisor and worker sessions.\nIt persists the hierarchy and its message bus in the project directory.",
		Version:       fmt.Sprintf("flowmesh %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", a.configPath, "config file (default <project-dir>/flowmesh.yaml)")
	cmd.PersistentFlags().StringVarP(&a.projectDir, "project-dir", "p", a.projectDir, "project directory (overrides the config file)")

	cmd.AddCommand(
		newInitCmd(a),
		newRunCmd(a),
		newStatusCmd(a),
		newMessagesCmd(a),
		newArtifactsCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newPurgeCmd(a),
		newClearCmd(a),
	)

	return cmd
}
