package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// messageLoop processes pending messages on every tick and whenever the
// store signals new messages, and rechecks the queue on every tick.
func (e *Executor) messageLoop(ctx context.Context) error {
	interval := e.config().MessagePollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	watch, ok := e.bus.Watch(ctx)
	if ok {
		e.logger.Debug("message watch enabled")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.pump(ctx)
			e.Recheck(ctx)
		case _, open := <-watch:
			if !open {
				watch = nil
				continue
			}
			e.pump(ctx)
		}
	}
}

func (e *Executor) pump(ctx context.Context) {
	if _, err := e.ProcessMessages(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("message processing failed", "error", err)
	}
}

// ProcessMessages routes every pending message once and marks it processed.
// Concurrent calls are serialised. It returns the number of messages routed.
func (e *Executor) ProcessMessages(ctx context.Context) (int, error) {
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	e.procMu.Lock()
	defer e.procMu.Unlock()

	pending, err := e.bus.PollPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		start := time.Now()
		if err := e.route(ctx, m); err != nil {
			e.logger.Warn("message routing failed", "message_id", m.ID, "type", string(m.Type), "to", m.To, "error", err)
		}
		if err := e.bus.MarkProcessed(ctx, m.ID); err != nil {
			e.logger.Warn("mark message processed failed", "message_id", m.ID, "error", err)
		}
		if fl, ok := e.logger.(*logging.FlowLogger); ok {
			fl.LogMessageRouted(m.ID, string(m.Type), m.From, m.To, time.Since(start))
		}
		n++
	}
	return n, nil
}

func (e *Executor) route(ctx context.Context, m core.SessionMessage) error {
	dest, err := e.registry.Get(m.To)
	if err != nil {
		e.logger.Warn("message for unknown session", "message_id", m.ID, "to", m.To)
		return nil
	}

	switch m.Type {
	case core.MessageTaskAssignment:
		return e.handleAssignment(ctx, dest, m)
	case core.MessageResult:
		return e.handleResult(ctx, dest, m)
	case core.MessageStatusUpdate:
		var p core.StatusPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		return e.setProgress(ctx, dest.ID, p.Progress)
	case core.MessageError:
		return e.handleChildError(ctx, dest, m)
	case core.MessageQuery:
		e.emit(ctx, core.NewEvent(core.EventQueryReceived, dest.ID).
			With("from", m.From).
			With("payload", string(m.Payload)))
		return nil
	}
	return fmt.Errorf("%w: unknown message type %q", core.ErrInvalidPayload, m.Type)
}

// handleAssignment attaches the work plan or request call and activates the
// recipient.
func (e *Executor) handleAssignment(ctx context.Context, dest *core.Session, m core.SessionMessage) error {
	switch dest.Type {
	case core.SessionTypeSupervisor:
		plan, err := m.DecodeWorkPlan()
		if err != nil {
			return err
		}
		if plan.Tasks == nil {
			plan.Tasks = []core.Task{}
		}
		if plan.Component == "" {
			plan.Component = dest.Component
		}
		if _, err := e.registry.Update(dest.ID, func(s *core.Session) error {
			if s.WorkPlan == nil {
				s.WorkPlan = plan
			}
			return nil
		}); err != nil {
			return err
		}
	case core.SessionTypeWorker:
		call, err := m.DecodeRequestCall()
		if err != nil {
			return err
		}
		if call.Context == nil {
			call.Context = map[string]any{}
		}
		if _, err := e.registry.Update(dest.ID, func(s *core.Session) error {
			if s.RequestCall == nil {
				s.RequestCall = call
			}
			return nil
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s session %s cannot receive task assignments", core.ErrInvalidPayload, dest.Type, dest.ID)
	}
	e.persist(ctx, dest.ID)

	if e.IsPaused(dest.ID) {
		return nil
	}
	if err := e.activate(ctx, dest.ID); err != nil && !errors.Is(err, ErrPreconditionUnmet) {
		return err
	}
	return nil
}

// handleResult feeds a worker result into its supervisor's work plan, or a
// supervisor result into its manager's roll-up.
func (e *Executor) handleResult(ctx context.Context, dest *core.Session, m core.SessionMessage) error {
	var p core.ResultPayload
	if err := m.Decode(&p); err != nil {
		return err
	}
	switch dest.Type {
	case core.SessionTypeSupervisor:
		status := core.TaskCompleted
		if !p.Success {
			status = core.TaskFailed
		}
		taskID := p.TaskID
		if taskID == "" {
			taskID = taskOf(dest, m.From)
		}
		if _, err := e.registry.UpdateTaskStatus(dest.ID, taskID, status); err != nil {
			return err
		}
		e.persist(ctx, dest.ID)
		e.recompute(ctx, dest.ID)
	case core.SessionTypeManager:
		e.recompute(ctx, dest.ID)
	default:
		e.logger.Debug("result ignored", "message_id", m.ID, "to", dest.ID, "type", string(dest.Type))
	}
	return nil
}

// handleChildError marks the failed child's task and emits child_error.
func (e *Executor) handleChildError(ctx context.Context, dest *core.Session, m core.SessionMessage) error {
	var p core.ErrorPayload
	if err := m.Decode(&p); err != nil {
		return err
	}
	if dest.Type == core.SessionTypeSupervisor {
		if taskID := taskOf(dest, m.From); taskID != "" {
			if _, err := e.registry.UpdateTaskStatus(dest.ID, taskID, core.TaskFailed); err != nil {
				return err
			}
			e.persist(ctx, dest.ID)
		}
	}
	e.logger.Warn("child reported error", "session_id", dest.ID, "child_id", m.From, "error", p.Error)
	e.emit(ctx, core.NewEvent(core.EventChildError, dest.ID).
		With("child_id", m.From).
		With("error", p.Error))
	e.recompute(ctx, dest.ID)
	return nil
}

// taskOf returns the first task of a supervisor assigned to workerID.
func taskOf(sup *core.Session, workerID string) string {
	for _, a := range sup.WorkerAssignments {
		if a.WorkerID == workerID && len(a.TaskIDs) > 0 {
			return a.TaskIDs[0]
		}
	}
	if sup.WorkPlan != nil {
		for _, t := range sup.WorkPlan.Tasks {
			if t.AssignedWorkerID == workerID {
				return t.ID
			}
		}
	}
	return ""
}
