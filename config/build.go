package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/model/anthropic"
	"github.com/hupe1980/flowmesh/model/gemini"
	"github.com/hupe1980/flowmesh/model/openai"
	"github.com/hupe1980/flowmesh/parser"
	"github.com/hupe1980/flowmesh/store/file"
	"github.com/hupe1980/flowmesh/store/memory"
	"github.com/hupe1980/flowmesh/store/sqlite"
)

// NewLogger builds the configured logger backend.
func (c *Config) NewLogger() (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	switch c.Log.Backend {
	case "zap":
		z, err := logging.NewZapLogger(level)
		if err != nil {
			return nil, fmt.Errorf("create zap logger: %w", err)
		}
		return z, nil
	case "", "slog":
		return logging.NewSlogLogger(level, c.Log.Format, false).WithComponent("flowmesh"), nil
	}
	return nil, fmt.Errorf("invalid log backend: %s", c.Log.Backend)
}

// OpenStore opens the configured store. The returned close function must be
// called once the store is no longer used.
func (c *Config) OpenStore(ctx context.Context, logger logging.Logger) (core.Store, func() error, error) {
	noop := func() error { return nil }
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	switch c.Store.Backend {
	case "memory":
		return memory.New(), noop, nil
	case "sqlite":
		path := c.Store.Path
		if path == "" {
			dir := filepath.Join(c.ProjectDir, c.Store.DirName)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create %s: %w", dir, err)
			}
			path = filepath.Join(dir, sqlite.DefaultFileName)
		}
		s, err := sqlite.Open(ctx, path, func(o *sqlite.Options) { o.Logger = logger })
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "", "file":
		s, err := file.Open(ctx, c.ProjectDir, func(o *file.Options) {
			o.ProjectDir = c.ProjectDir
			o.DirName = c.Store.DirName
			o.KeepHistory = c.Store.KeepHistory
			o.Logger = logger
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
	return nil, nil, fmt.Errorf("invalid store backend: %s", c.Store.Backend)
}

// NewModel builds the configured completion provider, wrapped in
// model.RateLimited when rate limiting is enabled.
func (c *Config) NewModel(ctx context.Context, logger logging.Logger) (model.Model, error) {
	var m model.Model
	mc := c.Model
	switch mc.Provider {
	case "anthropic":
		m = anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Name != "" {
				o.Model = anthropicsdk.Model(mc.Name)
			}
			o.Temperature = mc.Temperature
			if mc.MaxTokens > 0 {
				o.MaxTokens = int64(mc.MaxTokens)
			}
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
		})
	case "openai":
		m = openai.NewModel(func(o *openai.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
			o.Temperature = mc.Temperature
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(mc.MaxTokens)
			}
			o.APIKey = mc.APIKey
		})
	case "gemini":
		gm, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
			o.Temperature = float32(mc.Temperature)
			if mc.MaxTokens > 0 {
				o.MaxOutputTokens = int32(mc.MaxTokens)
			}
			o.APIKey = mc.APIKey
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini model: %w", err)
		}
		m = gm
	case "mock":
		name := mc.Name
		if name == "" {
			name = "mock"
		}
		m = model.NewMockModel(name, "mock")
	default:
		return nil, fmt.Errorf("invalid model provider: %s", mc.Provider)
	}

	if !c.RateLimit.Enabled {
		return m, nil
	}
	rl := c.RateLimit
	return model.NewRateLimited(m, func(o *model.RateLimitOptions) {
		o.MaxRequestsPerMinute = rl.MaxRequestsPerMinute
		o.MaxTokensPerDay = rl.MaxTokensPerDay
		o.MaxCalls = rl.MaxCalls
		if logger != nil {
			o.Logger = logger
		}
	}), nil
}

// NewParser returns the configured response parser.
func (c *Config) NewParser() (parser.ResponseParser, error) {
	p, ok := parser.ByName(c.Parser)
	if !ok {
		return nil, fmt.Errorf("invalid parser: %s", c.Parser)
	}
	return p, nil
}
