package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hupe1980/flowmesh/config"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/registry"
)

// configFile returns the config file to load.
func (a *app) configFile() string {
	if a.configPath != "" {
		return a.configPath
	}
	dir := a.projectDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, config.DefaultFileName)
}

// loadConfig loads and validates the configuration; --project-dir wins over
// the file and the environment.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configFile())
	if err != nil {
		return nil, err
	}
	if a.projectDir != "" {
		cfg.ProjectDir = a.projectDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// env bundles the services a command runs on.
type env struct {
	cfg    *config.Config
	logger logging.Logger
	store  core.Store
	close  func() error
}

// open loads the configuration and opens the logger and the store.
func (a *app) open(ctx context.Context) (*env, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	store, closeFn, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: store, close: closeFn}, nil
}

// loadRegistry reads every stored session into a registry for tree views.
func loadRegistry(ctx context.Context, store core.Store) (*registry.Registry, error) {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	reg := registry.New()
	if err := reg.Load(sessions); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return reg, nil
}
