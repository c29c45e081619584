package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// AllEvents registers a callback for every event type.
const AllEvents core.EventType = "*"

// CallbackContext provides the information a callback might need.
//
// The context is populated by the executor right after an event was
// published to subscribers. Session is a snapshot of the session the event
// refers to (nil for events without a session, or when the session was
// cleared in the meantime).
type CallbackContext struct {
	// Event is the emitted event.
	Event core.Event

	// Session is a copy of the referenced session.
	Session *core.Session

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for execution lifecycle hooks.
//
// Callbacks provide a way to extend the executor without modifying it:
// logging, auditing, invariant checks, metrics. They run synchronously on
// the goroutine that emitted the event, so implementations should be fast
// and must not call back into the Executor's mutating operations.
//
// Errors returned by a callback stop the remaining callbacks for that event
// and are logged; they never fail the session.
type Callback interface {
	// Type returns the event type this callback handles, or AllEvents.
	Type() core.EventType

	// Execute performs the callback logic.
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(core.EventSessionCompleted,
//	    func(ctx context.Context, cbCtx *CallbackContext) error {
//	        log.Printf("completed: %s", cbCtx.Event.SessionID)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	eventType core.EventType
	fn        func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	eventType core.EventType,
	fn func(ctx context.Context, cbCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		eventType: eventType,
		fn:        fn,
	}
}

// Type returns the event type this function handles.
func (c *FunctionCallback) Type() core.EventType {
	return c.eventType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	return c.fn(ctx, cbCtx)
}

// CallbackManager holds callbacks by event type.
//
// Callbacks run in registration order: first the ones registered for the
// event's type, then the AllEvents ones. Registration is safe for
// concurrent use with execution.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[core.EventType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[core.EventType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	t := callback.Type()
	cm.callbacks[t] = append(cm.callbacks[t], callback)
}

// Len returns the number of registered callbacks.
func (cm *CallbackManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n := 0
	for _, cbs := range cm.callbacks {
		n += len(cbs)
	}
	return n
}

// ExecuteCallbacks runs the callbacks for cbCtx.Event. The first error stops
// execution and is returned.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, cbCtx *CallbackContext) error {
	cm.mu.RLock()
	callbacks := append(append([]Callback(nil), cm.callbacks[cbCtx.Event.Type]...), cm.callbacks[AllEvents]...)
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, cbCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback writes every handled event to a logger.
type LoggingCallback struct {
	eventType core.EventType
	logger    logging.Logger
}

// NewLoggingCallback creates a logging callback for eventType (or AllEvents).
func NewLoggingCallback(eventType core.EventType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		eventType: eventType,
		logger:    logger,
	}
}

// Type returns the event type this logger handles.
func (c *LoggingCallback) Type() core.EventType {
	return c.eventType
}

// Execute logs the event.
func (c *LoggingCallback) Execute(_ context.Context, cbCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	args := []any{"event", string(cbCtx.Event.Type), "session_id", cbCtx.Event.SessionID}
	if cbCtx.Event.MessageID != "" {
		args = append(args, "message_id", cbCtx.Event.MessageID)
	}
	if cbCtx.Session != nil {
		args = append(args, "session_type", string(cbCtx.Session.Type), "status", string(cbCtx.Session.Status))
	}
	for k, v := range cbCtx.Event.Data {
		args = append(args, k, v)
	}
	c.logger.Debug("flow event", args...)
	return nil
}

// SessionValidationCallback checks the session snapshot attached to an event.
//
// Example:
//
//	cb := NewSessionValidationCallback(func(s *core.Session) error {
//	    return s.Validate()
//	})
type SessionValidationCallback struct {
	validator func(s *core.Session) error
}

// NewSessionValidationCallback creates a validation callback for all events.
func NewSessionValidationCallback(validator func(s *core.Session) error) *SessionValidationCallback {
	return &SessionValidationCallback{
		validator: validator,
	}
}

// Type returns AllEvents.
func (c *SessionValidationCallback) Type() core.EventType {
	return AllEvents
}

// Execute runs the validator when the event carries a session.
func (c *SessionValidationCallback) Execute(_ context.Context, cbCtx *CallbackContext) error {
	if c.validator != nil && cbCtx.Session != nil {
		return c.validator(cbCtx.Session)
	}
	return nil
}
