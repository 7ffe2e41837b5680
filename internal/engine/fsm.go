package engine

import (
	"context"
	"sync"

	"github.com/rendis/genflow/pkg/schema"
)

// Subject identifies what a transition applies to.
type Subject struct {
	WorkflowID string
	StepID     string
	Tool       string
}

// Transition is passed to hooks.
type Transition struct {
	Subject
	From string
	To   string
}

// TransitionHook is called before or after a state transition. An error from
// a before hook aborts the transition.
type TransitionHook func(ctx context.Context, t Transition) error

type hookKey[S ~string] struct {
	from, to S
}

// FSM validates transitions of one status type against a fixed table and
// runs the hooks registered for them. Workflow and step lifecycles each get
// their own instance.
type FSM[S ~string] struct {
	table map[S][]S

	mu     sync.RWMutex
	before map[hookKey[S]][]TransitionHook
	after  map[hookKey[S]][]TransitionHook
	always []TransitionHook
}

func newFSM[S ~string](table map[S][]S) *FSM[S] {
	return &FSM[S]{
		table:  table,
		before: make(map[hookKey[S]][]TransitionHook),
		after:  make(map[hookKey[S]][]TransitionHook),
	}
}

// NewWorkflowFSM returns an FSM for workflow statuses.
func NewWorkflowFSM() *FSM[schema.WorkflowStatus] {
	return newFSM(ValidWorkflowTransitions)
}

// NewStepFSM returns an FSM for step statuses.
func NewStepFSM() *FSM[schema.StepStatus] {
	return newFSM(ValidStepTransitions)
}

// OnBefore registers a hook called before the from -> to transition.
func (f *FSM[S]) OnBefore(from, to S, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey[S]{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook called after the from -> to transition.
func (f *FSM[S]) OnAfter(from, to S, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey[S]{from, to}
	f.after[k] = append(f.after[k], hook)
}

// OnAny registers a hook called after every successful transition.
func (f *FSM[S]) OnAny(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = append(f.always, hook)
}

// Valid reports whether from -> to is allowed. Staying in the same status is
// always allowed.
func (f *FSM[S]) Valid(from, to S) bool {
	if from == to {
		return true
	}
	for _, a := range f.table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and runs the hooks. It does not mutate or
// persist anything; the engine applies the change to its workflow copy.
// A same-status transition is a no-op and runs no hooks.
func (f *FSM[S]) Transition(ctx context.Context, subject Subject, from, to S) error {
	if from == to {
		return nil
	}
	if !f.Valid(from, to) {
		err := schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": subject.WorkflowID, "from": string(from), "to": string(to)})
		if subject.StepID != "" {
			err = err.WithStep(subject.StepID)
		}
		return err
	}

	k := hookKey[S]{from, to}
	t := Transition{Subject: subject, From: string(from), To: string(to)}

	f.mu.RLock()
	before := f.before[k]
	after := append(append([]TransitionHook(nil), f.after[k]...), f.always...)
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}
	for _, hook := range after {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// Running and pending_foreground may also fail through recovery.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:           {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning:           {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusPendingForeground},
	schema.StepStatusPendingForeground: {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted:         {},
	schema.StepStatusFailed:            {},
	schema.StepStatusSkipped:           {},
}
