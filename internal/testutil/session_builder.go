package testutil

import (
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sup := NewSupervisor(mgr.ID, "API").ID("sup-1").WorkPlan(task1, task2).Build()
type SessionBuilder struct {
	s *core.Session
}

// Overview returns a small project overview titled title.
func Overview(title string) core.ProjectOverview {
	return core.ProjectOverview{
		Title:        title,
		Description:  title + " description",
		Objectives:   []string{"ship it"},
		Deliverables: []string{"binary"},
	}
}

// NewManager starts a manager session with a default overview.
func NewManager(title string) *SessionBuilder {
	return &SessionBuilder{s: core.NewManagerSession("Manager - "+title, Overview(title))}
}

// NewSupervisor starts a supervisor session for component under parentID.
func NewSupervisor(parentID, component string) *SessionBuilder {
	return &SessionBuilder{s: core.NewSupervisorSession(parentID, "Supervisor - "+component, component)}
}

// NewWorker starts a worker session under parentID.
func NewWorker(parentID, task string) *SessionBuilder {
	return &SessionBuilder{s: core.NewWorkerSession(parentID, "Worker - "+task)}
}

// ID overrides the generated id (chainable).
func (b *SessionBuilder) ID(id string) *SessionBuilder { b.s.ID = id; return b }

// Status sets the status (chainable).
func (b *SessionBuilder) Status(st core.Status) *SessionBuilder { b.s.Status = st; return b }

// Progress sets the progress (chainable).
func (b *SessionBuilder) Progress(p int) *SessionBuilder { b.s.SetProgress(p); return b }

// Created sets both the created and updated time (chainable).
func (b *SessionBuilder) Created(t time.Time) *SessionBuilder {
	b.s.Created, b.s.Updated = t, t
	return b
}

// WorkPlan attaches a work plan with the given tasks (chainable).
func (b *SessionBuilder) WorkPlan(tasks ...core.Task) *SessionBuilder {
	b.s.WorkPlan = &core.WorkPlan{Component: b.s.Component, Tasks: append([]core.Task{}, tasks...)}
	return b
}

// RequestCall attaches a request call (chainable).
func (b *SessionBuilder) RequestCall(taskID, description string, requirements ...string) *SessionBuilder {
	b.s.RequestCall = &core.RequestCall{TaskID: taskID, Description: description, Requirements: requirements, Context: map[string]any{}}
	return b
}

// Build returns the session.
func (b *SessionBuilder) Build() *core.Session { return b.s }

// Task returns a work plan task with the given id and status.
func Task(id string, status core.TaskStatus) core.Task {
	return core.Task{ID: id, Description: "task " + id, Status: status, Priority: core.PriorityMedium}
}

// MustMessage builds a session message and panics on encoding errors.
func MustMessage(from, to string, t core.MessageType, payload any) core.SessionMessage {
	m, err := core.NewSessionMessage(from, to, t, payload)
	if err != nil {
		panic(err)
	}
	return m
}
