package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/flowmesh/config"
)

// newInitCmd creates the "flowmesh init" subcommand.
func newInitCmd(a *app) *cobra.Command {
	var (
		force    bool
		provider string
		store    string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Writes flowmesh.yaml (or the file named by --config) with the default settings.\nUse a .toml extension to write TOML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configFile()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("init: %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("init: %w", err)
			}

			cfg := config.DefaultConfig()
			if a.projectDir != "" {
				cfg.ProjectDir = a.projectDir
			}
			if provider != "" {
				cfg.Model.Provider = provider
			}
			if store != "" {
				cfg.Store.Backend = store
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&provider, "provider", "", "model provider (anthropic, openai, gemini, mock)")
	cmd.Flags().StringVar(&store, "store", "", "store backend (file, sqlite, memory)")
	return cmd
}
