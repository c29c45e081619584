// Package parser turns free-form model replies into child descriptors. The
// engine uses a ResponseParser to decide which supervisors a manager creates
// and which workers a supervisor creates. A reply that yields no descriptors
// is not an error: the session simply has no children.
package parser

import (
	"strings"

	"github.com/hupe1980/flowmesh/core"
)

// ComponentDescriptor describes a supervisor to create under a manager.
type ComponentDescriptor struct {
	Component   string
	Description string
}

// TaskDescriptor describes a worker to create under a supervisor.
type TaskDescriptor struct {
	Task         string
	Requirements []string
	Priority     core.Priority
}

// ResponseParser extracts child descriptors from model replies.
type ResponseParser interface {
	ParseManager(reply string) []ComponentDescriptor
	ParseSupervisor(reply string) []TaskDescriptor
}

const (
	// UnknownComponent names a component line without a value.
	UnknownComponent = "Unknown Component"
	// UnknownTask names a task line without a value.
	UnknownTask      = "Unknown Task"

	managerDescription    = "Parsed from manager response"
	supervisorRequirement = "Parsed from supervisor response"
)

// Heuristic is the line-oriented parser: every line containing one of the
// markers yields one descriptor named by the text between the first and
// second colon.
type Heuristic struct {
	ManagerMarkers    []string
	SupervisorMarkers []string
}

// NewHeuristic returns a Heuristic using "Supervisor:"/"Component:" for
// manager replies and "Task:"/"Worker:" for supervisor replies.
func NewHeuristic() *Heuristic {
	return &Heuristic{
		ManagerMarkers:    []string{"Supervisor:", "Component:"},
		SupervisorMarkers: []string{"Task:", "Worker:"},
	}
}

// ParseManager implements ResponseParser.
func (h *Heuristic) ParseManager(reply string) []ComponentDescriptor {
	var out []ComponentDescriptor
	for _, line := range strings.Split(reply, "\n") {
		if !containsAny(line, h.ManagerMarkers) {
			continue
		}
		out = append(out, ComponentDescriptor{
			Component:   fieldValue(line, UnknownComponent),
			Description: managerDescription,
		})
	}
	return out
}

// ParseSupervisor implements ResponseParser.
func (h *Heuristic) ParseSupervisor(reply string) []TaskDescriptor {
	var out []TaskDescriptor
	for _, line := range strings.Split(reply, "\n") {
		if !containsAny(line, h.SupervisorMarkers) {
			continue
		}
		out = append(out, TaskDescriptor{
			Task:         fieldValue(line, UnknownTask),
			Requirements: []string{supervisorRequirement},
			Priority:     core.PriorityMedium,
		})
	}
	return out
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// fieldValue returns the trimmed text between the first and second colon.
func fieldValue(line, fallback string) string {
	parts := strings.Split(line, ":")
	if len(parts) < 2 {
		return fallback
	}
	if v := strings.TrimSpace(parts[1]); v != "" {
		return v
	}
	return fallback
}

// Chain tries each parser in order and returns the first non-empty result.
type Chain []ResponseParser

// ParseManager implements ResponseParser.
func (c Chain) ParseManager(reply string) []ComponentDescriptor {
	for _, p := range c {
		if out := p.ParseManager(reply); len(out) > 0 {
			return out
		}
	}
	return nil
}

// ParseSupervisor implements ResponseParser.
func (c Chain) ParseSupervisor(reply string) []TaskDescriptor {
	for _, p := range c {
		if out := p.ParseSupervisor(reply); len(out) > 0 {
			return out
		}
	}
	return nil
}

// ByName returns the parser registered under name: "heuristic", "json" or
// "auto" (JSON with heuristic fallback). Unknown names return false.
func ByName(name string) (ResponseParser, bool) {
	switch strings.ToLower(name) {
	case "", "heuristic":
		return NewHeuristic(), true
	case "json":
		return NewJSON(), true
	case "auto":
		return Chain{NewJSON(), NewHeuristic()}, true
	}
	return nil, false
}
