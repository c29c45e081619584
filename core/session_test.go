package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func overview() ProjectOverview {
	return ProjectOverview{Title: "shop", Objectives: []string{"sell"}, Deliverables: []string{"api"}}
}

func TestNewSessions_Defaults(t *testing.T) {
	mgr := NewManagerSession("Manager - shop", overview())
	assert.Equal(t, SessionTypeManager, mgr.Type)
	assert.Equal(t, StatusIdle, mgr.Status)
	assert.Empty(t, mgr.ParentID)
	assert.NotNil(t, mgr.ChildIDs)
	assert.NotNil(t, mgr.SupervisorAssignments)
	require.NoError(t, mgr.Validate())

	sup := NewSupervisorSession(mgr.ID, "Supervisor - API", "API")
	assert.Equal(t, "API", sup.Component)
	assert.Nil(t, sup.WorkPlan)
	require.NoError(t, sup.Validate())

	w := NewWorkerSession(sup.ID, "Worker - handlers")
	assert.Nil(t, w.RequestCall)
	require.NotNil(t, w.TaskProgress)
	require.NoError(t, w.Validate())

	assert.NotEqual(t, mgr.ID, sup.ID)
}

func TestSession_Activatable(t *testing.T) {
	mgr := NewManagerSession("m", overview())
	sup := NewSupervisorSession(mgr.ID, "s", "API")
	w := NewWorkerSession(sup.ID, "w")

	assert.True(t, mgr.Activatable())
	assert.False(t, sup.Activatable())
	assert.False(t, w.Activatable())

	sup.WorkPlan = &WorkPlan{Component: "API", Tasks: []Task{}}
	w.RequestCall = &RequestCall{TaskID: "t1", Description: "do it"}
	assert.True(t, sup.Activatable())
	assert.True(t, w.Activatable())

	unknown := &Session{ID: "x", Type: "robot"}
	assert.False(t, unknown.Activatable())
}

func TestSession_Progress(t *testing.T) {
	s := NewWorkerSession("p", "w")
	assert.Equal(t, 0, s.ProgressValue())

	for _, tc := range []struct{ in, want int }{{-5, 0}, {42, 42}, {250, 100}} {
		s.SetProgress(tc.in)
		assert.Equal(t, tc.want, s.ProgressValue())
	}
}

func TestSession_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Session)
	}{
		{"missing id", func(s *Session) { s.ID = "" }},
		{"manager with parent", func(s *Session) { s.ParentID = "p" }},
		{"manager without overview", func(s *Session) { s.ProjectOverview = nil }},
		{"manager with work plan", func(s *Session) { s.WorkPlan = &WorkPlan{} }},
		{"manager with request call", func(s *Session) { s.RequestCall = &RequestCall{} }},
		{"unknown type", func(s *Session) { s.Type = "robot" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewManagerSession("m", overview())
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}

	t.Run("worker without parent", func(t *testing.T) {
		assert.Error(t, NewWorkerSession("", "w").Validate())
	})
	t.Run("supervisor with overview", func(t *testing.T) {
		sup := NewSupervisorSession("p", "s", "API")
		ov := overview()
		sup.ProjectOverview = &ov
		assert.Error(t, sup.Validate())
	})
}

func TestSession_CloneIsolation(t *testing.T) {
	sup := NewSupervisorSession("mgr", "s", "API")
	sup.ChildIDs = []string{"w1"}
	sup.SetProgress(50)
	sup.Messages = []Message{{ID: "m1", Role: RoleUser, Content: "hi", Metadata: map[string]any{"k": "v"}}}
	sup.WorkPlan = &WorkPlan{Component: "API", Tasks: []Task{{ID: "t1", Status: TaskPending, Dependencies: []string{"t0"}}}}
	sup.WorkerAssignments = []WorkerAssignment{{WorkerID: "w1", TaskIDs: []string{"t1"}}}

	c := sup.Clone()
	c.ChildIDs[0] = "changed"
	*c.Progress = 99
	c.Messages[0].Metadata["k"] = "changed"
	c.WorkPlan.Tasks[0].Status = TaskCompleted
	c.WorkPlan.Tasks[0].Dependencies[0] = "changed"
	c.WorkerAssignments[0].TaskIDs[0] = "changed"

	assert.Equal(t, "w1", sup.ChildIDs[0])
	assert.Equal(t, 50, sup.ProgressValue())
	assert.Equal(t, "v", sup.Messages[0].Metadata["k"])
	assert.Equal(t, TaskPending, sup.WorkPlan.Tasks[0].Status)
	assert.Equal(t, "t0", sup.WorkPlan.Tasks[0].Dependencies[0])
	assert.Equal(t, "t1", sup.WorkerAssignments[0].TaskIDs[0])

	w := NewWorkerSession("sup", "w")
	w.RequestCall = &RequestCall{TaskID: "t1", Requirements: []string{"fast"}, Context: map[string]any{"a": 1}, Result: &Result{Success: true}}
	done := time.Now()
	w.TaskProgress.Completed = &done
	wc := w.Clone()
	wc.RequestCall.Requirements[0] = "slow"
	wc.RequestCall.Context["a"] = 2
	wc.RequestCall.Result.Success = false
	*wc.TaskProgress.Completed = done.Add(time.Hour)

	assert.Equal(t, "fast", w.RequestCall.Requirements[0])
	assert.Equal(t, 1, w.RequestCall.Context["a"])
	assert.True(t, w.RequestCall.Result.Success)
	assert.Equal(t, done, *w.TaskProgress.Completed)

	var nilSession *Session
	assert.Nil(t, nilSession.Clone())
}

func TestWorkPlan_Counts(t *testing.T) {
	var nilPlan *WorkPlan
	done, total := nilPlan.Counts()
	assert.Zero(t, done)
	assert.Zero(t, total)

	wp := &WorkPlan{Tasks: []Task{{Status: TaskCompleted}, {Status: TaskFailed}, {Status: TaskCompleted}}}
	done, total = wp.Counts()
	assert.Equal(t, 2, done)
	assert.Equal(t, 3, total)
}

func TestTaskProgress_UpsertStep(t *testing.T) {
	tp := &TaskProgress{}
	at := time.Now()
	tp.UpsertStep("analyzing", StepInProgress, at)
	tp.UpsertStep("analyzing", StepCompleted, at.Add(time.Second))
	tp.UpsertStep("implementing", StepInProgress, at)

	require.Len(t, tp.Steps, 2)
	assert.Equal(t, StepCompleted, tp.Steps[0].Status)
	assert.Equal(t, at.Add(time.Second), tp.Steps[0].Timestamp)
	assert.Equal(t, "implementing", tp.Steps[1].Name)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusWaiting.IsTerminal())
	assert.False(t, StatusIdle.IsTerminal())
}
