package registry

import (
	"fmt"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

func requireType(s *core.Session, t core.SessionType) error {
	if s.Type != t {
		return fmt.Errorf("session %s is a %s, not a %s", s.ID, s.Type, t)
	}
	return nil
}

// SetStatus sets the status of a session.
func (r *Registry) SetStatus(id string, status core.Status) (*core.Session, error) {
	return r.Update(id, func(s *core.Session) error {
		s.Status = status
		return nil
	})
}

// SetProgress sets the progress of a session, clamped to [0,100].
func (r *Registry) SetProgress(id string, progress int) (*core.Session, error) {
	return r.Update(id, func(s *core.Session) error {
		s.SetProgress(progress)
		return nil
	})
}

// AppendMessage appends a conversation message to a session.
func (r *Registry) AppendMessage(id string, msg core.Message) (*core.Session, error) {
	return r.Update(id, func(s *core.Session) error {
		s.Messages = append(s.Messages, msg)
		return nil
	})
}

// AssignSupervisor records that supervisorID covers component under managerID.
func (r *Registry) AssignSupervisor(managerID, supervisorID, component, description string) (*core.Session, error) {
	return r.Update(managerID, func(s *core.Session) error {
		if err := requireType(s, core.SessionTypeManager); err != nil {
			return err
		}
		for _, a := range s.SupervisorAssignments {
			if a.SupervisorID == supervisorID {
				return nil
			}
		}
		s.SupervisorAssignments = append(s.SupervisorAssignments, core.SupervisorAssignment{
			SupervisorID: supervisorID,
			Component:    component,
			Description:  description,
		})
		return nil
	})
}

// AssignWorker records that workerID covers taskIDs under supervisorID and
// marks those tasks as assigned to it.
func (r *Registry) AssignWorker(supervisorID, workerID string, taskIDs ...string) (*core.Session, error) {
	return r.Update(supervisorID, func(s *core.Session) error {
		if err := requireType(s, core.SessionTypeSupervisor); err != nil {
			return err
		}
		found := false
		for i := range s.WorkerAssignments {
			if s.WorkerAssignments[i].WorkerID == workerID {
				s.WorkerAssignments[i].TaskIDs = append(s.WorkerAssignments[i].TaskIDs, taskIDs...)
				found = true
			}
		}
		if !found {
			s.WorkerAssignments = append(s.WorkerAssignments, core.WorkerAssignment{
				WorkerID: workerID,
				TaskIDs:  append([]string(nil), taskIDs...),
			})
		}
		if s.WorkPlan != nil {
			for i := range s.WorkPlan.Tasks {
				for _, tid := range taskIDs {
					if s.WorkPlan.Tasks[i].ID == tid {
						s.WorkPlan.Tasks[i].AssignedWorkerID = workerID
						if s.WorkPlan.Tasks[i].Status == core.TaskPending {
							s.WorkPlan.Tasks[i].Status = core.TaskAssigned
						}
					}
				}
			}
		}
		return nil
	})
}

// AddTask appends a task to a supervisor's work plan, creating the plan if needed.
func (r *Registry) AddTask(supervisorID string, task core.Task) (*core.Session, error) {
	return r.Update(supervisorID, func(s *core.Session) error {
		if err := requireType(s, core.SessionTypeSupervisor); err != nil {
			return err
		}
		if s.WorkPlan == nil {
			s.WorkPlan = &core.WorkPlan{Component: s.Component, Tasks: []core.Task{}}
		}
		s.WorkPlan.Tasks = append(s.WorkPlan.Tasks, task)
		return nil
	})
}

// UpdateTaskStatus sets the status of a task in a supervisor's work plan.
func (r *Registry) UpdateTaskStatus(supervisorID, taskID string, status core.TaskStatus) (*core.Session, error) {
	return r.Update(supervisorID, func(s *core.Session) error {
		if err := requireType(s, core.SessionTypeSupervisor); err != nil {
			return err
		}
		if s.WorkPlan != nil {
			for i := range s.WorkPlan.Tasks {
				if s.WorkPlan.Tasks[i].ID == taskID {
					s.WorkPlan.Tasks[i].Status = status
					return nil
				}
			}
		}
		return fmt.Errorf("task %s of supervisor %s: %w", taskID, supervisorID, core.ErrNotFound)
	})
}

// UpdateWorkerStep upserts a progress step of a worker by name.
func (r *Registry) UpdateWorkerStep(workerID, name string, status core.StepStatus) (*core.Session, error) {
	return r.Update(workerID, func(s *core.Session) error {
		if err := requireType(s, core.SessionTypeWorker); err != nil {
			return err
		}
		now := r.now()
		if s.TaskProgress == nil {
			s.TaskProgress = &core.TaskProgress{Started: now, Steps: []core.Step{}}
		}
		if s.TaskProgress.Started.IsZero() {
			s.TaskProgress.Started = now
		}
		s.TaskProgress.UpsertStep(name, status, now)
		return nil
	})
}

// CompleteWorkerTask stores the result of a worker's request call and stamps
// the completion time of its task progress.
func (r *Registry) CompleteWorkerTask(workerID string, result core.Result) (*core.Session, error) {
	return r.Update(workerID, func(s *core.Session) error {
		if err := requireType(s, core.SessionTypeWorker); err != nil {
			return err
		}
		if s.RequestCall == nil {
			return fmt.Errorf("worker %s has no request call", workerID)
		}
		res := result
		s.RequestCall.Result = &res
		now := r.now()
		if s.TaskProgress == nil {
			s.TaskProgress = &core.TaskProgress{Started: now, Steps: []core.Step{}}
		}
		s.TaskProgress.Completed = &now
		return nil
	})
}

// SetClock replaces the time source used for Updated stamps.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
