// Package config loads the flowmesh configuration file (YAML or TOML),
// applies FLOWMESH_* environment overrides and builds the services the
// engine runs on: store, model, parser and logger.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/flowmesh/engine"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/parser"
)

// DefaultFileName is looked up in the project directory when no path is given.
const DefaultFileName = "flowmesh.yaml"

// Valid option values.
var (
	ValidStores      = []string{"file", "sqlite", "memory"}
	ValidProviders   = []string{"anthropic", "openai", "gemini", "mock"}
	ValidLogBackends = []string{"slog", "zap"}
	ValidLogFormats  = []string{"json", "text"}
)

// Config is the file model of a flowmesh deployment.
type Config struct {
	ProjectDir string          `yaml:"project_dir" toml:"project_dir"`
	Engine     EngineConfig    `yaml:"engine" toml:"engine"`
	Store      StoreConfig     `yaml:"store" toml:"store"`
	Model      ModelConfig     `yaml:"model" toml:"model"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Parser     string          `yaml:"parser" toml:"parser"`
	Log        LogConfig       `yaml:"log" toml:"log"`
}

// EngineConfig mirrors engine.Config with string durations.
type EngineConfig struct {
	MaxConcurrentSessions   int    `yaml:"max_concurrent_sessions" toml:"max_concurrent_sessions"`
	MessagePollInterval     string `yaml:"message_poll_interval" toml:"message_poll_interval"`
	SupervisorPollInterval  string `yaml:"supervisor_poll_interval" toml:"supervisor_poll_interval"`
	ManagerRespectsCapacity bool   `yaml:"manager_respects_capacity" toml:"manager_respects_capacity"`
	CancelOnPause           bool   `yaml:"cancel_on_pause" toml:"cancel_on_pause"`
	SaveArtifacts           bool   `yaml:"save_artifacts" toml:"save_artifacts"`
	Restore                 bool   `yaml:"restore" toml:"restore"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is one of file, sqlite or memory.
	Backend     string `yaml:"backend" toml:"backend"`
	DirName     string `yaml:"dir_name" toml:"dir_name"`
	KeepHistory bool   `yaml:"keep_history" toml:"keep_history"`
	// Path overrides the sqlite database location.
	Path      string `yaml:"path" toml:"path"`
	Retention string `yaml:"retention" toml:"retention"`
}

// ModelConfig selects the completion provider.
type ModelConfig struct {
	Provider    string  `yaml:"provider" toml:"provider"`
	Name        string  `yaml:"name" toml:"name"`
	APIKey      string  `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
}

// RateLimitConfig configures model.RateLimited. Zero values disable a limit.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled" toml:"enabled"`
	MaxRequestsPerMinute int  `yaml:"max_requests_per_minute" toml:"max_requests_per_minute"`
	MaxTokensPerDay      int  `yaml:"max_tokens_per_day" toml:"max_tokens_per_day"`
	MaxCalls             int  `yaml:"max_calls" toml:"max_calls"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level   string `yaml:"level" toml:"level"`
	Format  string `yaml:"format" toml:"format"`
	Backend string `yaml:"backend" toml:"backend"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ProjectDir: ".",
		Engine: EngineConfig{
			MaxConcurrentSessions:  engine.DefaultConfig.MaxConcurrentSessions,
			MessagePollInterval:    engine.DefaultConfig.MessagePollInterval.String(),
			SupervisorPollInterval: engine.DefaultConfig.SupervisorPollInterval.String(),
			SaveArtifacts:          true,
		},
		Store: StoreConfig{
			Backend:     "file",
			DirName:     ".flow",
			KeepHistory: true,
			Retention:   "168h",
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		RateLimit: RateLimitConfig{
			Enabled:              true,
			MaxRequestsPerMinute: 50,
			MaxTokensPerDay:      1_000_000,
		},
		Parser: "auto",
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			Backend: "slog",
		},
	}
}

// Load reads path (YAML for .yaml/.yml, TOML for .toml) over the defaults
// and applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := Decode(filepath.Ext(path), data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.withDefaults()
	return cfg, nil
}

// Decode unmarshals data into cfg using the format implied by ext.
func Decode(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".toml":
		return toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(cfg)
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
	return fmt.Errorf("unsupported config format %q", ext)
}

// Save writes cfg to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(c)
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies FLOWMESH_* variables and the provider API keys.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLOWMESH_PROJECT_DIR"); v != "" {
		c.ProjectDir = v
	}
	if v := os.Getenv("FLOWMESH_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("FLOWMESH_MESSAGE_POLL_INTERVAL"); v != "" {
		c.Engine.MessagePollInterval = v
	}
	if v := os.Getenv("FLOWMESH_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("FLOWMESH_PARSER"); v != "" {
		c.Parser = v
	}
	if v := os.Getenv("FLOWMESH_MODEL_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := os.Getenv("FLOWMESH_MODEL"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv("FLOWMESH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FLOWMESH_LOG_BACKEND"); v != "" {
		c.Log.Backend = v
	}

	// Provider keys only apply to their own provider.
	if c.Model.APIKey == "" {
		switch c.Model.Provider {
		case "anthropic":
			c.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.Model.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// withDefaults fills empty fields a partial file may have cleared.
func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.ProjectDir == "" {
		c.ProjectDir = d.ProjectDir
	}
	if c.Engine.MessagePollInterval == "" {
		c.Engine.MessagePollInterval = d.Engine.MessagePollInterval
	}
	if c.Engine.SupervisorPollInterval == "" {
		c.Engine.SupervisorPollInterval = d.Engine.SupervisorPollInterval
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.DirName == "" {
		c.Store.DirName = d.Store.DirName
	}
	if c.Store.Retention == "" {
		c.Store.Retention = d.Store.Retention
	}
	if c.Model.Provider == "" {
		c.Model.Provider = d.Model.Provider
	}
	if c.Parser == "" {
		c.Parser = d.Parser
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Backend == "" {
		c.Log.Backend = d.Log.Backend
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.EngineConfig(); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(ValidStores, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidStores))
	}
	if _, err := time.ParseDuration(c.Store.Retention); err != nil {
		errs = append(errs, fmt.Errorf("invalid store retention %q: %w", c.Store.Retention, err))
	}
	if !slices.Contains(ValidProviders, c.Model.Provider) {
		errs = append(errs, fmt.Errorf("invalid model provider: %s (valid: %v)", c.Model.Provider, ValidProviders))
	}
	if c.Model.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("model max tokens must not be negative, got %d", c.Model.MaxTokens))
	}
	if _, ok := parser.ByName(c.Parser); !ok {
		errs = append(errs, fmt.Errorf("invalid parser: %s (valid: heuristic, json, auto)", c.Parser))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(ValidLogBackends, c.Log.Backend) {
		errs = append(errs, fmt.Errorf("invalid log backend: %s (valid: %v)", c.Log.Backend, ValidLogBackends))
	}
	if !slices.Contains(ValidLogFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log format: %s (valid: %v)", c.Log.Format, ValidLogFormats))
	}
	return errors.Join(errs...)
}

// EngineConfig converts the engine section into an engine.Config.
func (c *Config) EngineConfig() (engine.Config, error) {
	poll, err := time.ParseDuration(c.Engine.MessagePollInterval)
	if err != nil {
		return engine.Config{}, fmt.Errorf("invalid message poll interval %q: %w", c.Engine.MessagePollInterval, err)
	}
	supervisorPoll, err := time.ParseDuration(c.Engine.SupervisorPollInterval)
	if err != nil {
		return engine.Config{}, fmt.Errorf("invalid supervisor poll interval %q: %w", c.Engine.SupervisorPollInterval, err)
	}
	ec := engine.Config{
		ProjectDir:              c.ProjectDir,
		MaxConcurrentSessions:   c.Engine.MaxConcurrentSessions,
		MessagePollInterval:     poll,
		SupervisorPollInterval:  supervisorPoll,
		ManagerRespectsCapacity: c.Engine.ManagerRespectsCapacity,
		CancelOnPause:           c.Engine.CancelOnPause,
		SaveArtifacts:           c.Engine.SaveArtifacts,
		Restore:                 c.Engine.Restore,
	}
	if err := ec.Validate(); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}

// Retention returns the message retention used by purge.
func (c *Config) Retention() time.Duration {
	d, err := time.ParseDuration(c.Store.Retention)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}
