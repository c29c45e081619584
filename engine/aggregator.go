package engine

import (
	"context"
	"math"

	"github.com/hupe1980/flowmesh/core"
)

// percent returns round(100*done/total), or 0 when total is 0.
func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

// recompute updates the progress of a parent session from its work plan
// (supervisor) or children (manager) and completes it when it is waiting
// and everything below it completed.
func (e *Executor) recompute(ctx context.Context, id string) {
	s, err := e.registry.Get(id)
	if err != nil {
		return
	}
	switch s.Type {
	case core.SessionTypeSupervisor:
		e.recomputeSupervisor(ctx, s)
	case core.SessionTypeManager:
		e.recomputeManager(ctx, s)
	}
}

func (e *Executor) recomputeSupervisor(ctx context.Context, s *core.Session) {
	var done, total int
	if s.WorkPlan != nil {
		done, total = s.WorkPlan.Counts()
	}
	if err := e.setProgress(ctx, s.ID, percent(done, total)); err != nil {
		return
	}
	if s.Status != core.StatusWaiting || total == 0 || done < total {
		return
	}
	if !e.completeParent(ctx, s, 100) {
		return
	}
	if s.ParentID == "" {
		return
	}
	if _, err := e.bus.SendPayload(ctx, s.ID, s.ParentID, core.MessageResult, core.ResultPayload{
		Success:        true,
		Component:      s.Component,
		CompletedTasks: done,
		TotalTasks:     total,
	}); err != nil {
		e.logger.Warn("report result to manager failed", "session_id", s.ID, "error", err)
	}
}

func (e *Executor) recomputeManager(ctx context.Context, s *core.Session) {
	children, err := e.registry.Children(s.ID)
	if err != nil {
		return
	}
	done := 0
	for _, c := range children {
		if c.Status == core.StatusCompleted {
			done++
		}
	}
	if err := e.setProgress(ctx, s.ID, percent(done, len(children))); err != nil {
		return
	}
	if s.Status != core.StatusWaiting || len(children) == 0 || done < len(children) {
		return
	}
	e.completeParent(ctx, s, 100)
}

// completeParent moves a waiting parent to completed. It reports false when
// another caller completed it first.
func (e *Executor) completeParent(ctx context.Context, s *core.Session, progress int) bool {
	won := false
	if _, err := e.registry.Update(s.ID, func(cur *core.Session) error {
		if cur.Status != core.StatusWaiting {
			return nil
		}
		cur.Status = core.StatusCompleted
		cur.SetProgress(progress)
		won = true
		return nil
	}); err != nil || !won {
		return false
	}
	e.persist(ctx, s.ID)
	e.transition(s, core.StatusCompleted)
	e.logger.Info("session completed", "session_id", s.ID, "type", string(s.Type))
	e.emit(ctx, core.NewEvent(core.EventSessionCompleted, s.ID).With("type", string(s.Type)))
	return true
}

// setProgress stores progress and emits session_progress when it changed.
func (e *Executor) setProgress(ctx context.Context, id string, progress int) error {
	changed := false
	s, err := e.registry.Update(id, func(s *core.Session) error {
		if s.Progress != nil && *s.Progress == progress {
			return nil
		}
		s.SetProgress(progress)
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}
	e.persist(ctx, id)
	e.emit(ctx, core.NewEvent(core.EventSessionProgress, id).With("progress", s.ProgressValue()))
	return nil
}
