package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionType identifies which variant of the hierarchy a session belongs to.
type SessionType string

const (
	// SessionTypeManager is the root of a hierarchy. It owns a project overview
	// and delegates components to supervisors.
	SessionTypeManager SessionType = "manager"
	// SessionTypeSupervisor owns a work plan for one component and delegates
	// tasks to workers.
	SessionTypeSupervisor SessionType = "supervisor"
	// SessionTypeWorker executes a single request call.
	SessionTypeWorker SessionType = "worker"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusIdle is the initial state of every session except managers, and
	// the state of a paused session.
	StatusIdle Status = "idle"
	// StatusActive marks a session that holds a capacity slot and is executing.
	StatusActive Status = "active"
	// StatusWaiting marks a manager or supervisor that finished dispatching
	// children and released its slot; the aggregator completes it.
	StatusWaiting Status = "waiting"
	// StatusCompleted is terminal for the session's own execution.
	StatusCompleted Status = "completed"
	// StatusError is terminal for the session's own execution.
	StatusError Status = "error"
)

// IsTerminal reports whether the session's own execution has ended.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusError }

// Role values used in conversation messages exchanged with the model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a session's conversation with the language model.
type Message struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a conversation message stamped with a fresh id and the current time.
func NewMessage(role, content string) Message {
	return Message{ID: NewID(), Timestamp: time.Now().UTC(), Role: role, Content: content}
}

// ProjectOverview describes the project a manager session is responsible for.
type ProjectOverview struct {
	Title        string   `json:"title" yaml:"title"`
	Description  string   `json:"description" yaml:"description"`
	Objectives   []string `json:"objectives" yaml:"objectives"`
	Constraints  []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Deliverables []string `json:"deliverables" yaml:"deliverables"`
}

// SupervisorAssignment records a component delegated by a manager.
type SupervisorAssignment struct {
	SupervisorID string `json:"supervisorId"`
	Component    string `json:"component"`
	Description  string `json:"description"`
}

// TaskStatus is the status of a work plan task.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Priority of a work plan task.
type Priority string

// Task priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Task is a single unit of a supervisor's work plan.
type Task struct {
	ID               string     `json:"id"`
	Description      string     `json:"description"`
	AssignedWorkerID string     `json:"assignedWorkerId,omitempty"`
	Status           TaskStatus `json:"status"`
	Priority         Priority   `json:"priority"`
	Dependencies     []string   `json:"dependencies,omitempty"`
}

// Timeline holds an optional estimate for a work plan.
type Timeline struct {
	Estimated time.Duration  `json:"estimated"`
	Actual    *time.Duration `json:"actual,omitempty"`
}

// WorkPlan is a supervisor's structured breakdown of tasks for its component.
type WorkPlan struct {
	Component string    `json:"component"`
	Tasks     []Task    `json:"tasks"`
	Timeline  *Timeline `json:"timeline,omitempty"`
}

// Counts returns the number of completed tasks and the total number of tasks.
func (wp *WorkPlan) Counts() (completed, total int) {
	if wp == nil {
		return 0, 0
	}
	for _, t := range wp.Tasks {
		if t.Status == TaskCompleted {
			completed++
		}
	}
	return completed, len(wp.Tasks)
}

// WorkerAssignment records which tasks a worker covers.
type WorkerAssignment struct {
	WorkerID string   `json:"workerId"`
	TaskIDs  []string `json:"taskIds"`
}

// Result is the outcome of a worker's request call.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RequestCall is a worker's assigned task description, requirements and eventual result.
type RequestCall struct {
	TaskID       string         `json:"taskId"`
	Description  string         `json:"description"`
	Requirements []string       `json:"requirements"`
	Context      map[string]any `json:"context,omitempty"`
	Result       *Result        `json:"result,omitempty"`
}

// StepStatus is the status of a worker progress step.
type StepStatus string

// Step statuses.
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Step is a named phase of a worker's execution.
type Step struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// TaskProgress tracks the steps a worker went through.
type TaskProgress struct {
	Started   time.Time  `json:"started"`
	Completed *time.Time `json:"completed,omitempty"`
	Steps     []Step     `json:"steps"`
}

// UpsertStep updates the step with the given name or appends a new one.
func (tp *TaskProgress) UpsertStep(name string, status StepStatus, at time.Time) {
	for i := range tp.Steps {
		if tp.Steps[i].Name == name {
			tp.Steps[i].Status = status
			tp.Steps[i].Timestamp = at
			return
		}
	}
	tp.Steps = append(tp.Steps, Step{Name: name, Status: status, Timestamp: at})
}

// Session is a unit of hierarchical delegated work. The common fields are
// shared by every variant; the remaining groups are populated according to
// Type:
//
//   - manager: ProjectOverview (always), SupervisorAssignments
//   - supervisor: Component, WorkPlan (nil until assigned), WorkerAssignments
//   - worker: RequestCall (nil until assigned), TaskProgress
//
// Sessions are plain values; stores and the registry hand out clones.
type Session struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     SessionType `json:"type"`
	Status   Status      `json:"status"`
	ParentID string      `json:"parentId,omitempty"`
	ChildIDs []string    `json:"childIds"`
	Created  time.Time   `json:"created"`
	Updated  time.Time   `json:"updated"`
	Messages []Message   `json:"messages"`
	Progress *int        `json:"progress,omitempty"`
	Error    string      `json:"error,omitempty"`

	ProjectOverview       *ProjectOverview       `json:"projectOverview,omitempty"`
	SupervisorAssignments []SupervisorAssignment `json:"supervisorAssignments,omitempty"`

	Component         string             `json:"component,omitempty"`
	WorkPlan          *WorkPlan          `json:"workPlan,omitempty"`
	WorkerAssignments []WorkerAssignment `json:"workerAssignments,omitempty"`

	RequestCall  *RequestCall  `json:"requestCall,omitempty"`
	TaskProgress *TaskProgress `json:"taskProgress,omitempty"`
}

func newSession(t SessionType, name, parentID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:       NewID(),
		Name:     name,
		Type:     t,
		Status:   StatusIdle,
		ParentID: parentID,
		ChildIDs: []string{},
		Created:  now,
		Updated:  now,
		Messages: []Message{},
	}
}

// NewManagerSession creates an idle root session for the given project.
func NewManagerSession(name string, overview ProjectOverview) *Session {
	s := newSession(SessionTypeManager, name, "")
	s.ProjectOverview = &overview
	s.SupervisorAssignments = []SupervisorAssignment{}
	return s
}

// NewSupervisorSession creates an idle supervisor under parentID. The work
// plan is left unset so that the session only becomes activatable once an
// assignment arrives.
func NewSupervisorSession(parentID, name, component string) *Session {
	s := newSession(SessionTypeSupervisor, name, parentID)
	s.Component = component
	s.WorkerAssignments = []WorkerAssignment{}
	return s
}

// NewWorkerSession creates an idle worker under parentID without a request call.
func NewWorkerSession(parentID, name string) *Session {
	s := newSession(SessionTypeWorker, name, parentID)
	s.TaskProgress = &TaskProgress{Steps: []Step{}}
	return s
}

// Activatable reports whether the type-specific activation precondition holds.
func (s *Session) Activatable() bool {
	switch s.Type {
	case SessionTypeManager:
		return true
	case SessionTypeSupervisor:
		return s.WorkPlan != nil
	case SessionTypeWorker:
		return s.RequestCall != nil
	default:
		return false
	}
}

// ProgressValue returns the progress or 0 when unset.
func (s *Session) ProgressValue() int {
	if s.Progress == nil {
		return 0
	}
	return *s.Progress
}

// SetProgress clamps p to [0,100] and stores it.
func (s *Session) SetProgress(p int) {
	p = min(max(p, 0), 100)
	s.Progress = &p
}

// Validate checks that the type-specific fields match the session type.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	switch s.Type {
	case SessionTypeManager:
		if s.ParentID != "" {
			return fmt.Errorf("manager session %s must not have a parent", s.ID)
		}
		if s.ProjectOverview == nil {
			return fmt.Errorf("manager session %s requires a project overview", s.ID)
		}
	case SessionTypeSupervisor, SessionTypeWorker:
		if s.ParentID == "" {
			return fmt.Errorf("%s session %s requires a parent", s.Type, s.ID)
		}
		if s.ProjectOverview != nil {
			return fmt.Errorf("%s session %s must not carry a project overview", s.Type, s.ID)
		}
	default:
		return fmt.Errorf("unknown session type %q", s.Type)
	}
	if s.Type != SessionTypeSupervisor && s.WorkPlan != nil {
		return fmt.Errorf("%s session %s must not carry a work plan", s.Type, s.ID)
	}
	if s.Type != SessionTypeWorker && s.RequestCall != nil {
		return fmt.Errorf("%s session %s must not carry a request call", s.Type, s.ID)
	}
	return nil
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ChildIDs = append([]string{}, s.ChildIDs...)
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = cloneMap(m.Metadata)
		c.Messages[i] = m
	}
	if s.Progress != nil {
		p := *s.Progress
		c.Progress = &p
	}
	if s.ProjectOverview != nil {
		po := *s.ProjectOverview
		po.Objectives = append([]string(nil), po.Objectives...)
		po.Constraints = append([]string(nil), po.Constraints...)
		po.Deliverables = append([]string(nil), po.Deliverables...)
		c.ProjectOverview = &po
	}
	c.SupervisorAssignments = append([]SupervisorAssignment(nil), s.SupervisorAssignments...)
	c.WorkPlan = s.WorkPlan.Clone()
	if s.WorkerAssignments != nil {
		c.WorkerAssignments = make([]WorkerAssignment, len(s.WorkerAssignments))
		for i, wa := range s.WorkerAssignments {
			wa.TaskIDs = append([]string(nil), wa.TaskIDs...)
			c.WorkerAssignments[i] = wa
		}
	}
	c.RequestCall = s.RequestCall.Clone()
	if s.TaskProgress != nil {
		tp := *s.TaskProgress
		tp.Steps = append([]Step(nil), tp.Steps...)
		if tp.Completed != nil {
			done := *tp.Completed
			tp.Completed = &done
		}
		c.TaskProgress = &tp
	}
	return &c
}

// Clone returns a deep copy of the work plan.
func (wp *WorkPlan) Clone() *WorkPlan {
	if wp == nil {
		return nil
	}
	c := *wp
	c.Tasks = make([]Task, len(wp.Tasks))
	for i, t := range wp.Tasks {
		t.Dependencies = append([]string(nil), t.Dependencies...)
		c.Tasks[i] = t
	}
	if wp.Timeline != nil {
		tl := *wp.Timeline
		c.Timeline = &tl
	}
	return &c
}

// Clone returns a deep copy of the request call.
func (rc *RequestCall) Clone() *RequestCall {
	if rc == nil {
		return nil
	}
	c := *rc
	c.Requirements = append([]string(nil), rc.Requirements...)
	c.Context = cloneMap(rc.Context)
	if rc.Result != nil {
		r := *rc.Result
		c.Result = &r
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewID generates a new unique identifier for sessions, messages and tasks.
func NewID() string { return uuid.NewString() }
