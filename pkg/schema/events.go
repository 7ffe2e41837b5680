package schema

import (
	"encoding/json"
	"time"
)

// EventType identifies an event delivered to subscribers.
type EventType string

// Event types of the outbound notification stream.
const (
	EventStatus       EventType = "status"
	EventStep         EventType = "step"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventStepsAdded   EventType = "steps_added"
	EventRecovered    EventType = "recovered"
	EventCanvasInsert EventType = "canvas_insert"
)

// Event is one notification of the workflow event stream. Only the fields
// relevant to Type are populated:
//
//	status        WorkflowID, Status
//	step          WorkflowID, StepID, Status, Result?, Error?, Duration?
//	completed     WorkflowID, Workflow
//	failed        WorkflowID, Error, ErrorCode?
//	steps_added   WorkflowID, Steps
//	recovered     WorkflowID, Workflow
//	canvas_insert RequestID, Operation, Params
type Event struct {
	Type       EventType       `json:"type"`
	WorkflowID string          `json:"workflowId,omitempty"`
	Status     string          `json:"status,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Duration   int64           `json:"duration,omitempty"`
	Steps      []*WorkflowStep `json:"steps,omitempty"`
	Workflow   *Workflow       `json:"workflow,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NeedsReauth reports whether a failure event should prompt the user to
// authenticate again.
func (e Event) NeedsReauth() bool {
	return e.ErrorCode == ErrCodeAuth
}

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending           StepStatus = "pending"
	StepStatusRunning           StepStatus = "running"
	StepStatusCompleted         StepStatus = "completed"
	StepStatusFailed            StepStatus = "failed"
	StepStatusSkipped           StepStatus = "skipped"
	StepStatusPendingForeground StepStatus = "pending_foreground"
)

// IsTerminal reports whether the step has finished, successfully or not.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// InFlight reports whether the step was dispatched and has not resolved yet.
func (s StepStatus) InFlight() bool {
	return s == StepStatusRunning || s == StepStatusPendingForeground
}
