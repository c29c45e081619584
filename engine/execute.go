package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/model"
)

// Worker step names recorded in TaskProgress.
const (
	StepAnalyzing    = "Analyzing task"
	StepImplementing = "Implementing solution"
)

func (e *Executor) activate(ctx context.Context, id string) error {
	e.actMu.Lock()
	defer e.actMu.Unlock()
	return e.activateLocked(ctx, id)
}

// activateLocked must be called with actMu held.
func (e *Executor) activateLocked(ctx context.Context, id string) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	s, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if s.Status != core.StatusIdle {
		// Active, waiting and terminal sessions are left alone.
		e.sched.dequeue(id)
		return nil
	}
	if !s.Activatable() {
		e.logger.Debug("activation precondition unmet", "session_id", id, "type", string(s.Type))
		return fmt.Errorf("%w: %s %s", ErrPreconditionUnmet, s.Type, id)
	}

	cfg := e.config()
	if s.Type == core.SessionTypeManager && !cfg.ManagerRespectsCapacity {
		e.sched.force(id)
	} else if ok, newlyQueued := e.sched.acquire(id); !ok {
		if newlyQueued {
			e.logger.Info("session queued", "session_id", id, "running", e.sched.running(), "max", cfg.MaxConcurrentSessions)
			e.emit(ctx, core.NewEvent(core.EventSessionQueued, id))
		}
		return nil
	}

	if _, err := e.registry.SetStatus(id, core.StatusActive); err != nil {
		e.sched.release(id)
		return err
	}
	e.persist(ctx, id)
	e.transition(s, core.StatusActive)

	if ex := e.execs[id]; ex != nil {
		// A paused execution is still in flight; re-attach instead of starting over.
		ex.paused = false
		e.emit(ctx, core.NewEvent(core.EventSessionActivated, id).With("reattached", true))
		return nil
	}

	execCtx, cancel := context.WithCancel(e.execCtx)
	ex := &execution{cancel: cancel}
	e.execs[id] = ex
	e.emit(ctx, core.NewEvent(core.EventSessionActivated, id).With("type", string(s.Type)))

	e.execWG.Add(1)
	go e.run(execCtx, id, ex)
	return nil
}

// run executes the type logic of a session and applies the outcome.
func (e *Executor) run(ctx context.Context, id string, ex *execution) {
	defer e.execWG.Done()
	defer ex.cancel()

	dispatched, err := e.safeExecute(ctx, id)
	e.finish(ctx, id, ex, dispatched, err)
}

func (e *Executor) safeExecute(ctx context.Context, id string) (dispatched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
			e.logger.Error("execution panicked", "session_id", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s, err := e.registry.Get(id)
	if err != nil {
		return false, err
	}
	switch s.Type {
	case core.SessionTypeManager:
		return e.executeManager(ctx, s)
	case core.SessionTypeSupervisor:
		return e.executeSupervisor(ctx, s)
	case core.SessionTypeWorker:
		return false, e.executeWorker(ctx, s)
	}
	return false, fmt.Errorf("unknown session type %q", s.Type)
}

// finish applies the outcome of an execution: error, waiting for children
// or completed. Executions cancelled by a pause are discarded.
func (e *Executor) finish(ctx context.Context, id string, ex *execution, dispatched bool, err error) {
	e.actMu.Lock()
	if e.execs[id] != ex {
		e.actMu.Unlock()
		e.logger.Debug("discarding cancelled execution", "session_id", id, "error", err)
		return
	}
	delete(e.execs, id)
	delete(e.paused, id)
	e.sched.dequeue(id)
	e.settling++
	e.actMu.Unlock()
	defer func() {
		e.actMu.Lock()
		e.settling--
		e.actMu.Unlock()
	}()

	ctx = context.WithoutCancel(ctx)
	switch {
	case err != nil:
		e.fail(ctx, id, err)
	case dispatched:
		e.wait(ctx, id)
	default:
		e.complete(ctx, id)
	}
	e.Recheck(ctx)
}

// wait parks a parent that dispatched children. The aggregator completes it.
func (e *Executor) wait(ctx context.Context, id string) {
	s, err := e.registry.Get(id)
	if err != nil {
		e.sched.release(id)
		return
	}
	if _, err := e.registry.SetStatus(id, core.StatusWaiting); err != nil {
		e.sched.release(id)
		return
	}
	e.sched.release(id)
	e.persist(ctx, id)
	e.transition(s, core.StatusWaiting)
	e.emit(ctx, core.NewEvent(core.EventSessionWaiting, id).With("children", len(s.ChildIDs)))
	e.recompute(ctx, id)
}

// complete marks a session that dispatched nothing as completed.
func (e *Executor) complete(ctx context.Context, id string) {
	defer e.sched.release(id)
	s, err := e.registry.Get(id)
	if err != nil || s.Status == core.StatusCompleted {
		return
	}
	if _, err := e.registry.Update(id, func(s *core.Session) error {
		s.Status = core.StatusCompleted
		s.SetProgress(100)
		return nil
	}); err != nil {
		return
	}
	e.persist(ctx, id)
	e.transition(s, core.StatusCompleted)
	e.emit(ctx, core.NewEvent(core.EventSessionCompleted, id).With("type", string(s.Type)))

	// A supervisor without tasks still has to count towards its manager.
	if s.Type == core.SessionTypeSupervisor && s.ParentID != "" {
		if _, err := e.bus.SendPayload(ctx, id, s.ParentID, core.MessageResult, core.ResultPayload{
			Success:   true,
			Component: s.Component,
		}); err != nil {
			e.logger.Warn("report result to manager failed", "session_id", id, "error", err)
		}
	}
}

// fail records err on the session, frees its slot and reports to the parent.
func (e *Executor) fail(ctx context.Context, id string, cause error) {
	defer e.sched.release(id)
	text := cause.Error()
	prev, err := e.registry.Get(id)
	if err != nil {
		return
	}
	if prev.Status == core.StatusCompleted {
		e.logger.Warn("error after completion ignored", "session_id", id, "error", text)
		return
	}
	s, err := e.registry.Update(id, func(s *core.Session) error {
		s.Status = core.StatusError
		s.Error = text
		if s.Type == core.SessionTypeWorker {
			if s.RequestCall != nil {
				s.RequestCall.Result = &core.Result{Success: false, Error: text}
			}
			if s.TaskProgress != nil {
				s.TaskProgress.UpsertStep(StepImplementing, core.StepFailed, time.Now().UTC())
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	e.persist(ctx, id)
	e.transition(prev, core.StatusError)
	e.logger.Error("session failed", "session_id", id, "type", string(s.Type), "error", text)
	e.emit(ctx, core.NewEvent(core.EventSessionError, id).With("error", text))

	if s.ParentID == "" {
		return
	}
	if _, err := e.bus.SendPayload(ctx, id, s.ParentID, core.MessageError, core.ErrorPayload{Error: text}); err != nil {
		e.logger.Warn("report error to parent failed", "session_id", id, "parent_id", s.ParentID, "error", err)
	}
}

// callModel renders the prompt for s, calls the model and records both turns
// in the session conversation.
func (e *Executor) callModel(ctx context.Context, s *core.Session) (string, error) {
	text, err := e.prompts.Build(s)
	if err != nil {
		return "", err
	}
	req := model.Request{
		Instructions: e.prompts.Instructions(s.Type),
		Messages:     []model.Message{{Role: core.RoleUser, Content: text}},
	}

	start := time.Now()
	c, err := model.Complete(ctx, e.model, req)
	info := e.model.Info()
	if fl, ok := e.logger.(*logging.FlowLogger); ok {
		fl.LogLLMCall(info.Name, c.Usage.TotalTokens, time.Since(start), err == nil, err)
	} else {
		e.logger.Debug("completion finished", "session_id", s.ID, "model", info.Name, "tokens", c.Usage.TotalTokens, "duration", time.Since(start), "error", err)
	}
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}

	if _, err := e.registry.AppendMessage(s.ID, core.NewMessage(core.RoleUser, text)); err != nil {
		return "", err
	}
	if _, err := e.registry.AppendMessage(s.ID, core.NewMessage(core.RoleAssistant, c.Text)); err != nil {
		return "", err
	}
	e.persist(ctx, s.ID)
	return c.Text, nil
}

// executeManager asks the model for a component breakdown and creates one
// supervisor per component. A resumed manager with children skips dispatch.
func (e *Executor) executeManager(ctx context.Context, s *core.Session) (bool, error) {
	if len(s.ChildIDs) > 0 {
		return true, nil
	}
	reply, err := e.callModel(ctx, s)
	if err != nil {
		return false, err
	}

	components := e.parser.ParseManager(reply)
	e.logger.Info("manager plan parsed", "session_id", s.ID, "components", len(components))
	for _, c := range components {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		sup, err := e.createSession(ctx, core.NewSupervisorSession(s.ID, "Supervisor - "+c.Component, c.Component))
		if err != nil {
			return false, err
		}
		if _, err := e.registry.AssignSupervisor(s.ID, sup.ID, c.Component, c.Description); err != nil {
			return false, err
		}
		e.persist(ctx, s.ID)

		plan := core.WorkPlan{Component: c.Component, Tasks: []core.Task{}}
		if _, err := e.bus.SendPayload(ctx, s.ID, sup.ID, core.MessageTaskAssignment, plan); err != nil {
			return false, err
		}
	}
	return len(components) > 0, nil
}

// executeSupervisor asks the model for worker tasks and creates one worker
// per task. A resumed supervisor with children skips dispatch.
func (e *Executor) executeSupervisor(ctx context.Context, s *core.Session) (bool, error) {
	if len(s.ChildIDs) > 0 {
		e.startMonitor(s.ID)
		return true, nil
	}
	reply, err := e.callModel(ctx, s)
	if err != nil {
		return false, err
	}

	tasks := e.parser.ParseSupervisor(reply)
	e.logger.Info("supervisor tasks parsed", "session_id", s.ID, "tasks", len(tasks))
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		priority := t.Priority
		if priority == "" {
			priority = core.PriorityMedium
		}
		task := core.Task{
			ID:           core.NewID(),
			Description:  t.Task,
			Status:       core.TaskPending,
			Priority:     priority,
			Dependencies: []string{},
		}
		if _, err := e.registry.AddTask(s.ID, task); err != nil {
			return false, err
		}

		w, err := e.createSession(ctx, core.NewWorkerSession(s.ID, "Worker - "+t.Task))
		if err != nil {
			return false, err
		}
		if _, err := e.registry.AssignWorker(s.ID, w.ID, task.ID); err != nil {
			return false, err
		}
		e.persist(ctx, s.ID)

		requirements := t.Requirements
		if requirements == nil {
			requirements = []string{}
		}
		call := core.RequestCall{
			TaskID:       task.ID,
			Description:  t.Task,
			Requirements: requirements,
			Context:      map[string]any{},
		}
		if _, err := e.bus.SendPayload(ctx, s.ID, w.ID, core.MessageTaskAssignment, call); err != nil {
			return false, err
		}
	}
	if len(tasks) > 0 {
		e.startMonitor(s.ID)
	}
	return len(tasks) > 0, nil
}

// executeWorker asks the model to carry out the request call and reports the
// result to the supervisor.
func (e *Executor) executeWorker(ctx context.Context, s *core.Session) error {
	if _, err := e.registry.UpdateWorkerStep(s.ID, StepAnalyzing, core.StepCompleted); err != nil {
		return err
	}
	if _, err := e.registry.UpdateWorkerStep(s.ID, StepImplementing, core.StepInProgress); err != nil {
		return err
	}
	e.persist(ctx, s.ID)

	reply, err := e.callModel(ctx, s)
	if err != nil {
		return err
	}

	if _, err := e.registry.UpdateWorkerStep(s.ID, StepImplementing, core.StepCompleted); err != nil {
		return err
	}
	done, err := e.registry.CompleteWorkerTask(s.ID, core.Result{Success: true, Output: reply})
	if err != nil {
		return err
	}
	taskID := done.RequestCall.TaskID
	if e.artifacts != nil && e.config().SaveArtifacts && taskID != "" {
		if err := e.artifacts.SaveArtifact(ctx, s.ID, taskID+".md", []byte(reply)); err != nil {
			e.logger.Warn("save artifact failed", "session_id", s.ID, "task_id", taskID, "error", err)
		}
	}

	e.complete(ctx, s.ID)
	_, err = e.bus.SendPayload(ctx, s.ID, s.ParentID, core.MessageResult, core.ResultPayload{
		TaskID:  taskID,
		Success: true,
		Output:  reply,
	})
	return err
}

// startMonitor polls the children of a supervisor and emits
// supervisor_workers_completed once all of them completed. It does not
// change any status. Monitors run in the loop group and end on Stop.
func (e *Executor) startMonitor(id string) {
	e.actMu.Lock()
	if _, running := e.monitors[id]; running {
		e.actMu.Unlock()
		return
	}
	e.monitors[id] = struct{}{}
	e.actMu.Unlock()

	done := func() {
		e.actMu.Lock()
		delete(e.monitors, id)
		e.actMu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		done()
		return
	}
	ctx := e.loopCtx
	interval := e.cfg.SupervisorPollInterval

	e.group.Go(func() error {
		defer done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				children, err := e.registry.Children(id)
				if err != nil {
					return nil
				}
				if s, err := e.registry.Get(id); err != nil || s.Status == core.StatusError {
					return nil
				}
				if allCompleted(children) {
					e.logger.Info("all workers completed", "session_id", id, "workers", len(children))
					e.emit(ctx, core.NewEvent(core.EventSupervisorWorkersCompleted, id).With("workers", len(children)))
					return nil
				}
			}
		}
	})
}

func allCompleted(sessions []*core.Session) bool {
	if len(sessions) == 0 {
		return false
	}
	for _, s := range sessions {
		if s.Status != core.StatusCompleted {
			return false
		}
	}
	return true
}
