package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/flowmesh/bus"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/parser"
	"github.com/hupe1980/flowmesh/prompt"
	"github.com/hupe1980/flowmesh/registry"
)

var (
	// ErrNotStarted is returned by operations that need a started executor.
	ErrNotStarted = errors.New("executor not started")
	// ErrStopped is returned once Stop was called.
	ErrStopped = errors.New("executor stopped")
	// ErrPreconditionUnmet is returned when a session is not ready to activate.
	ErrPreconditionUnmet = errors.New("activation precondition unmet")
	// ErrNotActive is returned when pausing a session that is not active.
	ErrNotActive = errors.New("session not active")
	// ErrNotIdle is returned when resuming a session that is not idle.
	ErrNotIdle = errors.New("session not idle")
)

// execution is the handle of a running type-specific execution.
type execution struct {
	cancel context.CancelFunc
	paused bool
}

// Executor drives sessions through their lifecycle: it activates them
// within the concurrency limit, runs the manager, supervisor and worker
// logic against the model, routes bus messages and rolls progress up the
// hierarchy.
//
// The executor owns its registry, bus and scheduler; nothing is global.
// Operations are safe for concurrent use.
type Executor struct {
	model     model.Model
	store     core.Store
	artifacts core.ArtifactStore
	parser    parser.ResponseParser
	prompts   *prompt.Builder
	callbacks *CallbackManager
	logger    logging.Logger
	opts      Options

	registry *registry.Registry
	bus      *bus.Bus
	sched    *scheduler
	broker   *Broker

	mu          sync.Mutex // lifecycle fields below
	cfg         Config
	started     bool
	stopped     bool
	cancelLoops context.CancelFunc
	cancelExecs context.CancelFunc
	execCtx     context.Context
	loopCtx     context.Context
	group       *errgroup.Group

	actMu    sync.Mutex // serialises activation, pause and finish
	execs    map[string]*execution
	settling int // finished executions whose outcome is still being applied
	paused   map[string]struct{}
	monitors map[string]struct{}

	procMu sync.Mutex // serialises message processing

	execWG sync.WaitGroup
}

// New creates an executor calling m for every session execution.
//
// Example:
//
//	exec := engine.New(model,
//	    func(o *engine.Options) {
//	        o.Store = file.New()
//	        o.Logger = logger
//	    })
//	if err := exec.Start(ctx, engine.DefaultConfig); err != nil {
//	    return err
//	}
//	defer exec.Stop(ctx)
func New(m model.Model, optFns ...func(o *Options)) *Executor {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = defaultOptions().Store
	}
	if opts.ArtifactStore == nil {
		if as, ok := opts.Store.(core.ArtifactStore); ok {
			opts.ArtifactStore = as
		}
	}
	if opts.Parser == nil {
		opts.Parser = parser.NewHeuristic()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.MustNew()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	e := &Executor{
		model:     m,
		store:     opts.Store,
		artifacts: opts.ArtifactStore,
		parser:    opts.Parser,
		prompts:   opts.Prompts,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		opts:      opts,
		cfg:       opts.Config,

		registry: registry.New(),
		sched:    newScheduler(opts.Config.MaxConcurrentSessions),
		broker:   NewBroker(),
		execs:    make(map[string]*execution),
		paused:   make(map[string]struct{}),
		monitors: make(map[string]struct{}),
	}
	e.bus = bus.New(opts.Store, func(o *bus.Options) {
		o.Logger = opts.Logger
		o.Publisher = bus.PublisherFunc(func(ev core.Event) { e.emit(context.Background(), ev) })
	})
	return e
}

// Start validates cfg, initialises the store, starts the message loop and
// runs a first recheck. A zero cfg uses Options.Config.
func (e *Executor) Start(ctx context.Context, cfg Config) error {
	if cfg == (Config{}) {
		cfg = e.opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("executor already started")
	}

	if init, ok := e.store.(core.Initializer); ok {
		if err := init.Init(ctx, cfg.ProjectDir); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("init store: %w", err)
		}
	}
	if cfg.Restore {
		if err := e.restore(ctx); err != nil {
			e.mu.Unlock()
			return err
		}
	}

	e.cfg = cfg
	e.sched.setMax(cfg.MaxConcurrentSessions)
	e.execCtx, e.cancelExecs = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, cancelLoops := context.WithCancel(ctx)
	e.cancelLoops = cancelLoops
	e.group, e.loopCtx = errgroup.WithContext(loopCtx)
	e.started = true
	e.group.Go(func() error { return e.messageLoop(e.loopCtx) })
	e.mu.Unlock()

	e.logger.Info("executor started",
		"project_dir", cfg.ProjectDir,
		"max_concurrent_sessions", cfg.MaxConcurrentSessions,
		"message_poll_interval", cfg.MessagePollInterval,
		"model", e.model.Info().Name)

	e.Recheck(ctx)
	return nil
}

func (e *Executor) restore(ctx context.Context) error {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Status == core.StatusActive {
			s.Status = core.StatusIdle
		}
	}
	if err := e.registry.Load(sessions); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	e.logger.Info("sessions restored", "count", len(sessions))
	return nil
}

// Stop pauses every active session, halts the background loops and refuses
// further activations. It then waits for in-flight executions until ctx is
// done, in which case they are cancelled and ctx.Err() is returned. Sessions
// paused by Stop stay idle either way.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	for _, s := range e.registry.Active() {
		if err := e.pause(ctx, s.ID); err != nil && !errors.Is(err, ErrNotActive) {
			e.logger.Warn("pause on stop failed", "session_id", s.ID, "error", err)
		}
	}

	e.cancelLoops()
	loopErr := e.group.Wait()

	done := make(chan struct{})
	go func() {
		e.execWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		// Executions paused above are detached so their cancellation is
		// discarded instead of failing the session.
		e.actMu.Lock()
		for id, ex := range e.execs {
			if ex.paused {
				delete(e.execs, id)
			}
		}
		e.actMu.Unlock()
		e.cancelExecs()
		<-done
		err = ctx.Err()
	}
	e.cancelExecs()
	e.broker.Close()
	e.logger.Info("executor stopped")

	if err != nil {
		return err
	}
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	return nil
}

func (e *Executor) state() (started, stopped bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped
}

func (e *Executor) checkRunning() error {
	started, stopped := e.state()
	switch {
	case stopped:
		return ErrStopped
	case !started:
		return ErrNotStarted
	}
	return nil
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// CreateSession registers s, persists it and emits session_created.
// Managers are activated right away. Hierarchy violations are returned as
// registry.ErrInvalidParent.
func (e *Executor) CreateSession(ctx context.Context, s *core.Session) (*core.Session, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	created, err := e.createSession(ctx, s)
	if err != nil {
		return nil, err
	}
	if created.Type == core.SessionTypeManager {
		if err := e.activate(ctx, created.ID); err != nil && !errors.Is(err, ErrPreconditionUnmet) {
			return nil, err
		}
		return e.registry.Get(created.ID)
	}
	return created, nil
}

func (e *Executor) createSession(ctx context.Context, s *core.Session) (*core.Session, error) {
	created, err := e.registry.Create(s)
	if err != nil {
		return nil, err
	}
	if err := e.store.WriteSession(ctx, created); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", created.ID, err)
	}
	if created.ParentID != "" {
		e.persist(ctx, created.ParentID)
	}
	e.logger.Info("session created", "session_id", created.ID, "type", string(created.Type), "name", created.Name, "parent_id", created.ParentID)
	e.emit(ctx, core.NewEvent(core.EventSessionCreated, created.ID).
		With("type", string(created.Type)).
		With("parent_id", created.ParentID))
	return created, nil
}

// PauseSession moves an active session back to idle and frees its slot.
// The session is left alone by automatic rechecks until ResumeSession.
func (e *Executor) PauseSession(ctx context.Context, id string) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if err := e.pause(ctx, id); err != nil {
		return err
	}
	e.Recheck(ctx)
	return nil
}

func (e *Executor) pause(ctx context.Context, id string) error {
	e.actMu.Lock()
	defer e.actMu.Unlock()

	s, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if s.Status != core.StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, s.Status)
	}
	if _, err := e.registry.SetStatus(id, core.StatusIdle); err != nil {
		return err
	}
	e.sched.release(id)
	e.paused[id] = struct{}{}
	if ex := e.execs[id]; ex != nil {
		if e.config().CancelOnPause {
			ex.cancel()
			delete(e.execs, id)
		} else {
			ex.paused = true
		}
	}
	e.persist(ctx, id)
	e.transition(s, core.StatusIdle)
	e.emit(ctx, core.NewEvent(core.EventSessionPaused, id))
	return nil
}

// ResumeSession re-activates a paused (idle) session through the regular
// activation path.
func (e *Executor) ResumeSession(ctx context.Context, id string) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	s, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if s.Status != core.StatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, id, s.Status)
	}
	e.actMu.Lock()
	delete(e.paused, id)
	e.actMu.Unlock()

	e.emit(ctx, core.NewEvent(core.EventSessionResumed, id))
	return e.activate(ctx, id)
}

// IsPaused reports whether id was paused and not resumed yet.
func (e *Executor) IsPaused(id string) bool {
	e.actMu.Lock()
	defer e.actMu.Unlock()
	_, ok := e.paused[id]
	return ok
}

// Recheck tries to activate every queued session (FIFO) and then every
// idle, non-paused session whose precondition holds. It is level-triggered
// and idempotent.
func (e *Executor) Recheck(ctx context.Context) {
	if e.checkRunning() != nil {
		return
	}
	candidates := e.sched.queuedIDs()
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		seen[id] = struct{}{}
	}
	for _, s := range e.registry.Filter(func(s *core.Session) bool {
		return s.Status == core.StatusIdle && s.Activatable()
	}) {
		if _, dup := seen[s.ID]; !dup && !e.IsPaused(s.ID) {
			candidates = append(candidates, s.ID)
		}
	}
	for _, id := range candidates {
		if err := e.activate(ctx, id); err != nil && !errors.Is(err, ErrPreconditionUnmet) {
			e.logger.Debug("recheck activation skipped", "session_id", id, "error", err)
		}
	}
}

// Subscribe returns a channel receiving events of the given types (all when
// none are given) and a function to unsubscribe. A buffer <= 0 uses
// Options.EventBufferSize.
func (e *Executor) Subscribe(buffer int, types ...core.EventType) (<-chan core.Event, func()) {
	if buffer <= 0 {
		buffer = e.opts.EventBufferSize
	}
	return e.broker.Subscribe(buffer, types...)
}

// Callbacks returns the callback manager.
func (e *Executor) Callbacks() *CallbackManager { return e.callbacks }

// Bus returns the message bus.
func (e *Executor) Bus() *bus.Bus { return e.bus }

// Store returns the backing store.
func (e *Executor) Store() core.Store { return e.store }

// GetSession returns a copy of the session.
func (e *Executor) GetSession(id string) (*core.Session, error) {
	return e.registry.Get(id)
}

// GetAllSessions returns copies of every session in creation order.
func (e *Executor) GetAllSessions() []*core.Session {
	return e.registry.All()
}

// GetActiveSessions returns copies of the active sessions.
func (e *Executor) GetActiveSessions() []*core.Session {
	return e.registry.Active()
}

// GetChildSessions returns copies of the children of id in creation order.
func (e *Executor) GetChildSessions(id string) ([]*core.Session, error) {
	return e.registry.Children(id)
}

// GetSessionMessages returns every message sent to or from id.
func (e *Executor) GetSessionMessages(ctx context.Context, id string) ([]core.SessionMessage, error) {
	return e.bus.History(ctx, id)
}

// Tree returns the hierarchy below rootID.
func (e *Executor) Tree(rootID string) (*registry.Node, error) {
	return e.registry.Tree(rootID)
}

// Forest returns the hierarchy of every root session.
func (e *Executor) Forest() []*registry.Node {
	return e.registry.Forest()
}

// Queued returns the ids waiting for a slot in FIFO order.
func (e *Executor) Queued() []string {
	return e.sched.queuedIDs()
}

// Settled reports whether no session is active or queued, no execution is
// in flight and no message is pending. It waits for a message pass that is
// currently running.
func (e *Executor) Settled(ctx context.Context) (bool, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	if e.sched.running() > 0 || len(e.sched.queuedIDs()) > 0 {
		return false, nil
	}
	e.actMu.Lock()
	inflight := len(e.execs) + e.settling
	e.actMu.Unlock()
	if inflight > 0 || len(e.registry.Active()) > 0 {
		return false, nil
	}
	pending, err := e.bus.PollPending(ctx)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// ClearAll cancels running executions and wipes the registry, the
// scheduler, the bus bookkeeping and the store.
func (e *Executor) ClearAll(ctx context.Context) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	e.actMu.Lock()
	defer e.actMu.Unlock()

	for id, ex := range e.execs {
		ex.cancel()
		delete(e.execs, id)
	}
	e.registry.Clear()
	e.sched.reset()
	e.bus.Reset()
	e.paused = make(map[string]struct{})
	e.monitors = make(map[string]struct{})
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	e.logger.Info("all sessions cleared")
	return nil
}

// persist writes the current registry copy of id to the store. Failures are
// logged; the registry stays authoritative for the run.
func (e *Executor) persist(ctx context.Context, id string) {
	s, err := e.registry.Get(id)
	if err != nil {
		return
	}
	if err := e.store.WriteSession(context.WithoutCancel(ctx), s); err != nil {
		e.logger.Warn("persist session failed", "session_id", id, "error", err)
	}
}

// emit publishes ev and runs the registered callbacks.
func (e *Executor) emit(ctx context.Context, ev core.Event) {
	e.broker.Publish(ev)
	if e.callbacks.Len() == 0 {
		return
	}
	cbCtx := &CallbackContext{Event: ev, Metadata: map[string]any{}}
	if ev.SessionID != "" {
		if s, err := e.registry.Get(ev.SessionID); err == nil {
			cbCtx.Session = s
		}
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, cbCtx); err != nil {
		e.logger.Warn("callback failed", "event", string(ev.Type), "session_id", ev.SessionID, "error", err)
	}
}

func (e *Executor) transition(s *core.Session, to core.Status) {
	if fl, ok := e.logger.(*logging.FlowLogger); ok {
		fl.LogSessionTransition(s.ID, string(s.Type), string(s.Status), string(to))
		return
	}
	e.logger.Debug("session transition", "session_id", s.ID, "type", string(s.Type), "from", string(s.Status), "to", string(to))
}
