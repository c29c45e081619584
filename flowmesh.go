// Package flowmesh provides a high-level façade over the session execution
// engine. It runs a hierarchy of manager, supervisor and worker sessions
// against a language model: the manager splits a project into components,
// supervisors split components into tasks and workers carry the tasks out.
//
// Most applications interact with this package by:
//  1. Creating a FlowMesh via New() with a model and, optionally, a durable store
//  2. Starting it (Start) and creating a project (CreateProject) or running
//     one to completion (Run)
//  3. Observing progress through Subscribe or the session getters
//
// The façade delegates orchestration to engine.Executor. All defaults are
// safe for local development and testing: an in-memory store, the heuristic
// response parser and a NoOp logger.
package flowmesh

import (
	"context"
	"io"

	"github.com/hupe1980/flowmesh/archive"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/engine"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/parser"
	"github.com/hupe1980/flowmesh/prompt"
	"github.com/hupe1980/flowmesh/runner"
	"github.com/hupe1980/flowmesh/store/memory"
)

// Options configures the FlowMesh instance.
type Options struct {
	// Engine configuration (concurrency, polling, pause behaviour).
	EngineConfig engine.Config

	// Store persists sessions and messages. Defaults to an in-memory store.
	Store core.Store

	// ArtifactStore receives worker outputs. Defaults to Store when it
	// implements core.ArtifactStore.
	ArtifactStore core.ArtifactStore

	// Parser turns model replies into components and tasks.
	Parser parser.ResponseParser

	// Prompts renders the per-type prompts.
	Prompts *prompt.Builder

	// EventBufferSize is the default buffer of Subscribe channels.
	EventBufferSize int

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// FlowMesh is the high-level façade aggregating the executor and its services.
type FlowMesh struct {
	opts Options
	exec *engine.Executor
}

// New creates a FlowMesh calling m for every session execution. Any unset
// service is initialised with its in-memory or default implementation.
func New(m model.Model, optFns ...func(o *Options)) *FlowMesh {
	opts := Options{
		EngineConfig:    engine.DefaultConfig,
		Store:           memory.New(),
		EventBufferSize: 100,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	exec := engine.New(m, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = opts.Store
		o.ArtifactStore = opts.ArtifactStore
		o.Parser = opts.Parser
		o.Prompts = opts.Prompts
		o.EventBufferSize = opts.EventBufferSize
		o.Logger = opts.Logger
	})
	return &FlowMesh{opts: opts, exec: exec}
}

// Executor exposes the underlying executor for advanced use (callbacks,
// message bus, tree views).
func (f *FlowMesh) Executor() *engine.Executor { return f.exec }

// Start starts the executor with the configured engine settings.
func (f *FlowMesh) Start(ctx context.Context) error {
	return f.exec.Start(ctx, f.opts.EngineConfig)
}

// Stop pauses active sessions and waits for in-flight executions until ctx is done.
func (f *FlowMesh) Stop(ctx context.Context) error { return f.exec.Stop(ctx) }

// CreateProject creates and activates a manager session for overview.
func (f *FlowMesh) CreateProject(ctx context.Context, overview core.ProjectOverview) (*core.Session, error) {
	return f.exec.CreateSession(ctx, core.NewManagerSession("Manager - "+overview.Title, overview))
}

// CreateSession registers a session of any type.
func (f *FlowMesh) CreateSession(ctx context.Context, s *core.Session) (*core.Session, error) {
	return f.exec.CreateSession(ctx, s)
}

// PauseSession pauses an active session.
func (f *FlowMesh) PauseSession(ctx context.Context, id string) error {
	return f.exec.PauseSession(ctx, id)
}

// ResumeSession resumes a paused session.
func (f *FlowMesh) ResumeSession(ctx context.Context, id string) error {
	return f.exec.ResumeSession(ctx, id)
}

// GetSession returns a copy of the session.
func (f *FlowMesh) GetSession(id string) (*core.Session, error) { return f.exec.GetSession(id) }

// GetAllSessions returns copies of every session.
func (f *FlowMesh) GetAllSessions() []*core.Session { return f.exec.GetAllSessions() }

// GetActiveSessions returns copies of the active sessions.
func (f *FlowMesh) GetActiveSessions() []*core.Session { return f.exec.GetActiveSessions() }

// Subscribe returns a channel of events of the given types (all when none
// are given) and an unsubscribe function.
func (f *FlowMesh) Subscribe(types ...core.EventType) (<-chan core.Event, func()) {
	return f.exec.Subscribe(0, types...)
}

// Run creates a project and blocks until the hierarchy settled.
func (f *FlowMesh) Run(ctx context.Context, overview core.ProjectOverview, optFns ...func(o *runner.Options)) (*runner.Report, error) {
	fns := append([]func(o *runner.Options){func(o *runner.Options) { o.Logger = f.opts.Logger }}, optFns...)
	return runner.New(f.exec, fns...).Run(ctx, "", overview)
}

// Export writes the hierarchy below rootID as an archive to w.
func (f *FlowMesh) Export(ctx context.Context, rootID string, w io.Writer) error {
	a, err := archive.Export(ctx, f.opts.Store, rootID)
	if err != nil {
		return err
	}
	return archive.Write(w, a)
}

// Import reads an archive from r into the store. Imported sessions are
// picked up by a later Start with engine.Config.Restore set.
func (f *FlowMesh) Import(ctx context.Context, r io.Reader) (*core.Session, error) {
	a, err := archive.Read(r)
	if err != nil {
		return nil, err
	}
	return archive.Import(ctx, f.opts.Store, a)
}
