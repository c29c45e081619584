package core

import (
	"time"
)

// EventType names a lifecycle notification emitted by the engine.
type EventType string

const (
	// EventSessionCreated is emitted after a session was registered and persisted.
	EventSessionCreated EventType = "session_created"
	// EventSessionActivated is emitted when a session acquires a slot.
	EventSessionActivated EventType = "session_activated"
	// EventSessionQueued is emitted when a ready session finds no free slot.
	EventSessionQueued EventType = "session_queued"
	// EventSessionWaiting is emitted when a parent finished dispatching its children.
	EventSessionWaiting EventType = "session_waiting"
	// EventSessionCompleted is emitted when a session reaches completed.
	EventSessionCompleted EventType = "session_completed"
	// EventSessionError is emitted when a session's execution failed.
	EventSessionError EventType = "session_error"
	// EventSessionPaused is emitted when an active session was paused.
	EventSessionPaused EventType = "session_paused"
	// EventSessionResumed is emitted when a paused session was resumed.
	EventSessionResumed EventType = "session_resumed"
	// EventSessionProgress is emitted when a session's progress changed.
	EventSessionProgress EventType = "session_progress"
	// EventMessageSent is emitted after a session message was persisted.
	EventMessageSent EventType = "message_sent"
	// EventMessageProcessed is emitted after a session message was routed.
	EventMessageProcessed EventType = "message_processed"
	// EventChildError is emitted when a parent received an error from a child.
	EventChildError EventType = "child_error"
	// EventQueryReceived is emitted for query messages; the engine does not answer them.
	EventQueryReceived EventType = "query_received"
	// EventSupervisorWorkersCompleted is emitted by the supervisor monitor
	// once every worker of a supervisor completed.
	EventSupervisorWorkersCompleted EventType = "supervisor_workers_completed"
)

// Event is a lifecycle notification. After emission it should be treated as
// immutable.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event for the given session stamped with the current time.
func NewEvent(t EventType, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// With returns a copy of the event carrying an additional data entry.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}
