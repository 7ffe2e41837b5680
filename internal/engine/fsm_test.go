package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genflow/pkg/schema"
)

func TestWorkflowFSM_ValidTransitions(t *testing.T) {
	fsm := NewWorkflowFSM()
	ctx := context.Background()
	subj := Subject{WorkflowID: "wf-1"}

	require.NoError(t, fsm.Transition(ctx, subj, schema.WorkflowStatusPending, schema.WorkflowStatusRunning))
	require.NoError(t, fsm.Transition(ctx, subj, schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted))
	require.NoError(t, fsm.Transition(ctx, subj, schema.WorkflowStatusPending, schema.WorkflowStatusCancelled))
	require.NoError(t, fsm.Transition(ctx, subj, schema.WorkflowStatusRunning, schema.WorkflowStatusFailed))
}

func TestWorkflowFSM_TerminalIsSticky(t *testing.T) {
	fsm := NewWorkflowFSM()
	ctx := context.Background()

	for _, from := range []schema.WorkflowStatus{schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled} {
		for _, to := range []schema.WorkflowStatus{schema.WorkflowStatusPending, schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusCompleted} {
			if from == to {
				continue
			}
			err := fsm.Transition(ctx, Subject{WorkflowID: "wf"}, from, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		}
	}
}

func TestStepFSM_Transitions(t *testing.T) {
	fsm := NewStepFSM()
	ctx := context.Background()
	subj := Subject{WorkflowID: "wf", StepID: "step-1", Tool: "generate_image"}

	require.NoError(t, fsm.Transition(ctx, subj, schema.StepStatusPending, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, subj, schema.StepStatusRunning, schema.StepStatusPendingForeground))
	require.NoError(t, fsm.Transition(ctx, subj, schema.StepStatusPendingForeground, schema.StepStatusCompleted))
	require.NoError(t, fsm.Transition(ctx, subj, schema.StepStatusPending, schema.StepStatusSkipped))

	err := fsm.Transition(ctx, subj, schema.StepStatusCompleted, schema.StepStatusRunning)
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "step-1", fe.StepID)

	assert.False(t, fsm.Valid(schema.StepStatusPending, schema.StepStatusCompleted), "a step must run before completing")
	assert.True(t, fsm.Valid(schema.StepStatusFailed, schema.StepStatusFailed))
}

func TestFSM_Hooks(t *testing.T) {
	fsm := NewStepFSM()
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.StepStatusPending, schema.StepStatusRunning, func(_ context.Context, tr Transition) error {
		order = append(order, "before:"+tr.To)
		return nil
	})
	fsm.OnAfter(schema.StepStatusPending, schema.StepStatusRunning, func(_ context.Context, tr Transition) error {
		order = append(order, "after:"+tr.Tool)
		return nil
	})
	fsm.OnAny(func(_ context.Context, tr Transition) error {
		order = append(order, "any:"+tr.From)
		return nil
	})

	subj := Subject{WorkflowID: "wf", StepID: "s", Tool: "ai_analyze"}
	require.NoError(t, fsm.Transition(ctx, subj, schema.StepStatusPending, schema.StepStatusRunning))
	assert.Equal(t, []string{"before:running", "after:ai_analyze", "any:pending"}, order)

	// Same-status transitions run no hooks.
	require.NoError(t, fsm.Transition(ctx, subj, schema.StepStatusRunning, schema.StepStatusRunning))
	assert.Len(t, order, 3)
}

func TestFSM_BeforeHookAborts(t *testing.T) {
	fsm := NewWorkflowFSM()
	calledAfter := false
	fsm.OnBefore(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(context.Context, Transition) error {
		return schema.NewError(schema.ErrCodeRejected, "not now")
	})
	fsm.OnAny(func(context.Context, Transition) error {
		calledAfter = true
		return nil
	})

	err := fsm.Transition(context.Background(), Subject{WorkflowID: "wf"}, schema.WorkflowStatusPending, schema.WorkflowStatusRunning)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRejected))
	assert.False(t, calledAfter)
}
