// Package prompt renders the user prompts sent to the model for each session
// type. Templates use text/template and receive the session's type-specific
// fields; they can be overridden per deployment.
package prompt

import (
	"fmt"
	"text/template"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/util"
)

// DefaultManagerTemplate asks a manager for a component breakdown.
const DefaultManagerTemplate = `
Project: {{.Title}}
Description: {{.Description}}
Objectives: {{join ", " .Objectives}}
{{- if .Constraints}}
Constraints: {{join ", " .Constraints}}
{{- end}}
Deliverables: {{join ", " .Deliverables}}

Please analyze this project and create a work breakdown structure. Identify the main components and assign them to supervisors.
`

// DefaultSupervisorTemplate asks a supervisor for worker tasks.
const DefaultSupervisorTemplate = `
Component: {{.Component}}
Work Plan: {{indentJSON .WorkPlan}}

Please analyze this work plan and create specific tasks for workers. Break down each task into actionable items.
`

// DefaultWorkerTemplate asks a worker to carry out its task.
const DefaultWorkerTemplate = `
Task: {{.Description}}
Requirements: {{join ", " .Requirements}}
Context: {{indentJSON .Context}}

Please complete this task and provide the implementation.
`

// Options holds the template sources and optional per-type system instructions.
type Options struct {
	ManagerTemplate    string
	SupervisorTemplate string
	WorkerTemplate     string

	ManagerInstructions    string
	SupervisorInstructions string
	WorkerInstructions     string
}

// Builder renders prompts for sessions.
type Builder struct {
	manager    *template.Template
	supervisor *template.Template
	worker     *template.Template
	opts       Options
}

// New parses the templates, falling back to the defaults for empty ones.
func New(optFns ...func(o *Options)) (*Builder, error) {
	opts := Options{
		ManagerTemplate:    DefaultManagerTemplate,
		SupervisorTemplate: DefaultSupervisorTemplate,
		WorkerTemplate:     DefaultWorkerTemplate,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ManagerTemplate == "" {
		opts.ManagerTemplate = DefaultManagerTemplate
	}
	if opts.SupervisorTemplate == "" {
		opts.SupervisorTemplate = DefaultSupervisorTemplate
	}
	if opts.WorkerTemplate == "" {
		opts.WorkerTemplate = DefaultWorkerTemplate
	}

	b := &Builder{opts: opts}
	var err error
	if b.manager, err = util.ParseTemplate("manager", opts.ManagerTemplate); err != nil {
		return nil, err
	}
	if b.supervisor, err = util.ParseTemplate("supervisor", opts.SupervisorTemplate); err != nil {
		return nil, err
	}
	if b.worker, err = util.ParseTemplate("worker", opts.WorkerTemplate); err != nil {
		return nil, err
	}
	return b, nil
}

// MustNew is like New but panics on invalid templates.
func MustNew(optFns ...func(o *Options)) *Builder {
	b, err := New(optFns...)
	if err != nil {
		panic(err)
	}
	return b
}

// Instructions returns the system instructions for a session type.
func (b *Builder) Instructions(t core.SessionType) string {
	switch t {
	case core.SessionTypeManager:
		return b.opts.ManagerInstructions
	case core.SessionTypeSupervisor:
		return b.opts.SupervisorInstructions
	case core.SessionTypeWorker:
		return b.opts.WorkerInstructions
	}
	return ""
}

// Build renders the prompt for s according to its type.
func (b *Builder) Build(s *core.Session) (string, error) {
	switch s.Type {
	case core.SessionTypeManager:
		if s.ProjectOverview == nil {
			return "", fmt.Errorf("manager session %s has no project overview", s.ID)
		}
		return util.Execute(b.manager, s.ProjectOverview)
	case core.SessionTypeSupervisor:
		if s.WorkPlan == nil {
			return "", fmt.Errorf("supervisor session %s has no work plan", s.ID)
		}
		return util.Execute(b.supervisor, struct {
			Component string
			WorkPlan  *core.WorkPlan
		}{s.Component, s.WorkPlan})
	case core.SessionTypeWorker:
		if s.RequestCall == nil {
			return "", fmt.Errorf("worker session %s has no request call", s.ID)
		}
		rc := s.RequestCall
		ctx := rc.Context
		if ctx == nil {
			ctx = map[string]any{}
		}
		return util.Execute(b.worker, struct {
			TaskID       string
			Description  string
			Requirements []string
			Context      map[string]any
		}{rc.TaskID, rc.Description, rc.Requirements, ctx})
	}
	return "", fmt.Errorf("unknown session type %q", s.Type)
}
