package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType tags the payload carried by a SessionMessage.
type MessageType string

const (
	// MessageTaskAssignment carries a WorkPlan (to supervisors) or a
	// RequestCall (to workers).
	MessageTaskAssignment MessageType = "task_assignment"
	// MessageStatusUpdate carries a StatusPayload.
	MessageStatusUpdate MessageType = "status_update"
	// MessageResult carries a ResultPayload.
	MessageResult MessageType = "result"
	// MessageError carries an ErrorPayload.
	MessageError MessageType = "error"
	// MessageQuery carries any JSON value.
	MessageQuery MessageType = "query"
)

// MessageStatus is the delivery status of a SessionMessage.
type MessageStatus string

// Message statuses.
const (
	MessagePending   MessageStatus = "pending"
	MessageProcessed MessageStatus = "processed"
)

// ErrInvalidPayload indicates a payload that does not match its type tag.
var ErrInvalidPayload = errors.New("invalid message payload")

// SessionMessage is an asynchronous message between two sessions.
type SessionMessage struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      MessageStatus   `json:"status"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// ResultPayload is sent by a worker to its supervisor, or by a supervisor to
// its manager. Workers fill TaskID/Success/Output/Error; supervisors fill the
// component summary.
type ResultPayload struct {
	TaskID         string `json:"taskId,omitempty"`
	Success        bool   `json:"success"`
	Output         string `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	Component      string `json:"component,omitempty"`
	CompletedTasks int    `json:"completedTasks,omitempty"`
	TotalTasks     int    `json:"totalTasks,omitempty"`
}

// ErrorPayload is sent to a parent when a child's execution failed.
type ErrorPayload struct {
	Error string `json:"error"`
}

// StatusPayload carries a progress update.
type StatusPayload struct {
	Progress int    `json:"progress"`
	Status   Status `json:"status,omitempty"`
}

// NewSessionMessage builds a pending message with a fresh id, encoding payload as JSON.
func NewSessionMessage(from, to string, t MessageType, payload any) (SessionMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SessionMessage{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return SessionMessage{
		ID:        NewID(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Status:    MessagePending,
	}, nil
}

// Decode unmarshals the payload into v.
func (m SessionMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s message %s: %v", ErrInvalidPayload, m.Type, m.ID, err)
	}
	return nil
}

// Clone returns a copy whose payload and processed time are not shared.
func (m SessionMessage) Clone() SessionMessage {
	m.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.ProcessedAt != nil {
		at := *m.ProcessedAt
		m.ProcessedAt = &at
	}
	return m
}

// ValidatePayload checks that the payload shape matches the message type.
func ValidatePayload(m SessionMessage) error {
	if len(m.Payload) == 0 || !json.Valid(m.Payload) {
		return fmt.Errorf("%w: %s message %s is not valid JSON", ErrInvalidPayload, m.Type, m.ID)
	}
	switch m.Type {
	case MessageTaskAssignment:
		var obj map[string]json.RawMessage
		if err := m.Decode(&obj); err != nil {
			return err
		}
		if obj == nil {
			return fmt.Errorf("%w: task_assignment message %s requires an object", ErrInvalidPayload, m.ID)
		}
		if !hasAny(obj, "component", "tasks", "taskId", "description") {
			return fmt.Errorf("%w: task_assignment message %s carries neither a work plan nor a request call", ErrInvalidPayload, m.ID)
		}
	case MessageResult:
		var p ResultPayload
		return m.Decode(&p)
	case MessageError:
		var p ErrorPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.Error == "" {
			return fmt.Errorf("%w: error message %s has empty error text", ErrInvalidPayload, m.ID)
		}
	case MessageStatusUpdate:
		var p StatusPayload
		if err := m.Decode(&p); err != nil {
			return err
		}
		if p.Progress < 0 || p.Progress > 100 {
			return fmt.Errorf("%w: progress %d out of range", ErrInvalidPayload, p.Progress)
		}
	case MessageQuery:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, m.Type)
	}
	return nil
}

// DecodeWorkPlan decodes a task_assignment payload addressed to a
// supervisor. The payload must carry a component or a task list.
func (m SessionMessage) DecodeWorkPlan() (*WorkPlan, error) {
	var obj map[string]json.RawMessage
	if err := m.Decode(&obj); err != nil {
		return nil, err
	}
	if !hasAny(obj, "component", "tasks") {
		return nil, fmt.Errorf("%w: %s message %s is not a work plan", ErrInvalidPayload, m.Type, m.ID)
	}
	var plan WorkPlan
	if err := m.Decode(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// DecodeRequestCall decodes a task_assignment payload addressed to a
// worker. The payload must name a task id or a description.
func (m SessionMessage) DecodeRequestCall() (*RequestCall, error) {
	var call RequestCall
	if err := m.Decode(&call); err != nil {
		return nil, err
	}
	if call.TaskID == "" && call.Description == "" {
		return nil, fmt.Errorf("%w: %s message %s is not a request call", ErrInvalidPayload, m.Type, m.ID)
	}
	return &call, nil
}

func hasAny(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}
