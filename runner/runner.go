package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/engine"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/registry"
)

// Options holds configuration overrides passed to New().
type Options struct {
	// CheckInterval is the period of the settle check. Relevant events
	// trigger an earlier check.
	CheckInterval time.Duration
	// Timeout bounds a single Run or Wait. Zero means no limit beyond ctx.
	Timeout time.Duration
	// OnEvent receives every event emitted while waiting, e.g. for progress output.
	OnEvent func(ev core.Event)
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Runner drives a project hierarchy on an executor until no work is left.
type Runner struct {
	exec *engine.Executor
	opts Options
}

// New constructs a Runner for a started executor.
func New(exec *engine.Executor, optFns ...func(o *Options)) *Runner {
	opts := Options{
		CheckInterval: 100 * time.Millisecond,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Runner{exec: exec, opts: opts}
}

// SessionError describes a failed session in a report.
type SessionError struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Type  core.SessionType `json:"type"`
	Error string           `json:"error"`
}

// Report summarises a hierarchy once it settled.
type Report struct {
	RootID   string                   `json:"rootId"`
	Status   core.Status              `json:"status"`
	Progress int                      `json:"progress"`
	Sessions int                      `json:"sessions"`
	ByStatus map[core.Status]int      `json:"byStatus"`
	ByType   map[core.SessionType]int `json:"byType"`
	Errors   []SessionError           `json:"errors,omitempty"`
	Duration time.Duration            `json:"duration"`
	Tree     *registry.Node           `json:"-"`
}

// Succeeded reports whether the root completed without failed sessions.
func (r *Report) Succeeded() bool {
	return r.Status == core.StatusCompleted && len(r.Errors) == 0
}

// Run creates a manager session for overview and waits until the executor
// settled.
func (r *Runner) Run(ctx context.Context, name string, overview core.ProjectOverview) (*Report, error) {
	if name == "" {
		name = "Manager - " + overview.Title
	}
	start := time.Now()

	// Subscribe before creating the manager so no early event is missed.
	events, unsubscribe := r.exec.Subscribe(0)
	defer unsubscribe()

	mgr, err := r.exec.CreateSession(ctx, core.NewManagerSession(name, overview))
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}
	r.opts.Logger.Info("project started", "session_id", mgr.ID, "title", overview.Title)

	if err := r.wait(ctx, events); err != nil {
		return nil, err
	}
	rep, err := r.Report(mgr.ID)
	if err != nil {
		return nil, err
	}
	rep.Duration = time.Since(start)
	r.opts.Logger.Info("project settled",
		"session_id", mgr.ID,
		"status", string(rep.Status),
		"sessions", rep.Sessions,
		"errors", len(rep.Errors),
		"duration", rep.Duration)
	return rep, nil
}

// Wait blocks until the executor settled and reports on rootID.
func (r *Runner) Wait(ctx context.Context, rootID string) (*Report, error) {
	start := time.Now()
	events, unsubscribe := r.exec.Subscribe(0)
	defer unsubscribe()

	if err := r.wait(ctx, events); err != nil {
		return nil, err
	}
	rep, err := r.Report(rootID)
	if err != nil {
		return nil, err
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

func (r *Runner) wait(ctx context.Context, events <-chan core.Event) error {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	ticker := time.NewTicker(r.opts.CheckInterval)
	defer ticker.Stop()

	check := func() (bool, error) {
		settled, err := r.exec.Settled(ctx)
		if err != nil {
			return false, fmt.Errorf("settle check: %w", err)
		}
		return settled, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return engine.ErrStopped
			}
			if r.opts.OnEvent != nil {
				r.opts.OnEvent(ev)
			}
			if !wakes(ev.Type) {
				continue
			}
		case <-ticker.C:
		}
		settled, err := check()
		if err != nil {
			return err
		}
		if settled {
			return nil
		}
	}
}

// wakes lists the events after which the hierarchy may have settled.
func wakes(t core.EventType) bool {
	switch t {
	case core.EventSessionCompleted, core.EventSessionError, core.EventMessageProcessed, core.EventSessionPaused:
		return true
	}
	return false
}

// Report summarises the hierarchy below rootID in its current state.
func (r *Runner) Report(rootID string) (*Report, error) {
	tree, err := r.exec.Tree(rootID)
	if err != nil {
		return nil, err
	}
	return Summarize(tree), nil
}

// Summarize builds a report from a tree view.
func Summarize(tree *registry.Node) *Report {
	rep := &Report{
		RootID:   tree.Session.ID,
		Status:   tree.Session.Status,
		Progress: tree.Session.ProgressValue(),
		ByStatus: make(map[core.Status]int),
		ByType:   make(map[core.SessionType]int),
		Tree:     tree,
	}
	for _, s := range tree.Sessions() {
		rep.Sessions++
		rep.ByStatus[s.Status]++
		rep.ByType[s.Type]++
		if s.Status == core.StatusError {
			rep.Errors = append(rep.Errors, SessionError{ID: s.ID, Name: s.Name, Type: s.Type, Error: s.Error})
		}
	}
	sort.SliceStable(rep.Errors, func(i, j int) bool { return rep.Errors[i].Name < rep.Errors[j].Name })
	return rep
}
