package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/parser"
	"github.com/hupe1980/flowmesh/prompt"
	"github.com/hupe1980/flowmesh/store/memory"
)

// Config defines the runtime parameters of an Executor.
type Config struct {
	// ProjectDir is handed to stores implementing core.Initializer.
	ProjectDir string

	// MaxConcurrentSessions bounds the number of active sessions. Must be >= 1.
	MaxConcurrentSessions int

	// MessagePollInterval is the period of the message loop. Must be > 0.
	MessagePollInterval time.Duration

	// SupervisorPollInterval is the period of the per-supervisor worker monitor.
	SupervisorPollInterval time.Duration

	// ManagerRespectsCapacity makes managers wait for a free slot like every
	// other session. When false managers always activate (and still occupy a slot).
	ManagerRespectsCapacity bool

	// CancelOnPause cancels the in-flight completion call of a paused
	// session. The cancelled execution is discarded and re-run on resume.
	CancelOnPause bool

	// SaveArtifacts stores each worker reply as <taskID>.md when an artifact
	// store is available.
	SaveArtifacts bool

	// Restore loads the sessions found in the store on Start. Sessions that
	// were active are reset to idle so the first recheck picks them up.
	Restore bool
}

// DefaultConfig holds the default runtime parameters.
var DefaultConfig = Config{
	ProjectDir:             ".",
	MaxConcurrentSessions:  5,
	MessagePollInterval:    time.Second,
	SupervisorPollInterval: 2 * time.Second,
	SaveArtifacts:          true,
}

// Validate reports invalid parameters.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrentSessions < 1 {
		errs = append(errs, fmt.Errorf("max concurrent sessions must be at least 1, got %d", c.MaxConcurrentSessions))
	}
	if c.MessagePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("message poll interval must be positive, got %s", c.MessagePollInterval))
	}
	if c.SupervisorPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("supervisor poll interval must be positive, got %s", c.SupervisorPollInterval))
	}
	return errors.Join(errs...)
}

// Options configures an Executor. Every service has an in-memory or
// built-in default.
type Options struct {
	// Config is used by Start when called with a zero Config.
	Config Config

	// Store persists sessions and messages. Defaults to store/memory.
	Store core.Store

	// ArtifactStore receives worker artifacts. Defaults to Store when it
	// implements core.ArtifactStore.
	ArtifactStore core.ArtifactStore

	// Parser turns model replies into child descriptors. Defaults to parser.NewHeuristic.
	Parser parser.ResponseParser

	// Prompts renders per-type prompts. Defaults to prompt.MustNew().
	Prompts *prompt.Builder

	// Callbacks run synchronously for every emitted event.
	Callbacks *CallbackManager

	// EventBufferSize is the default buffer of Subscribe channels.
	EventBufferSize int

	Logger logging.Logger
}

func defaultOptions() Options {
	return Options{
		Config:          DefaultConfig,
		Store:           memory.New(),
		Parser:          parser.NewHeuristic(),
		Callbacks:       NewCallbackManager(),
		EventBufferSize: 100,
		Logger:          logging.NoOpLogger{},
	}
}
