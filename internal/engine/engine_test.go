package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genflow/internal/bridge"
	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/expressions"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

type harness struct {
	engine *Engine
	store  *store.MemoryStore
	hub    *streaming.MemoryHub
	reg    *executors.Registry
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		hub:   streaming.NewMemoryHub(streaming.WithBuffer(256)),
		reg:   executors.NewRegistry(),
	}
	h.engine = New(h.store, h.hub, h.reg, cfg, opts...)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) subscribe(t *testing.T, wfID string) <-chan schema.Event {
	t.Helper()
	ch, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: wfID})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

// until reads events until stop returns true for one of them.
func until(t *testing.T, ch <-chan schema.Event, stop func(schema.Event) bool) []schema.Event {
	t.Helper()
	var events []schema.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			if stop(e) {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out; got %d events: %v", len(events), summarize(events))
			return nil
		}
	}
}

func terminal(e schema.Event) bool {
	return e.Type == schema.EventCompleted || e.Type == schema.EventFailed
}

func summarize(events []schema.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Type) + ":" + e.StepID + ":" + e.Status
	}
	return out
}

func stepEvents(events []schema.Event) []string {
	var out []string
	for _, e := range events {
		if e.Type == schema.EventStep {
			out = append(out, e.StepID+":"+e.Status)
		}
	}
	return out
}

func imageTool(fn func(in executors.StepInput) error) *executors.FuncExecutor {
	return &executors.FuncExecutor{
		ToolName: executors.ToolGenerateImage,
		Fn: func(_ context.Context, in executors.StepInput) (*executors.StepOutput, error) {
			if fn != nil {
				if err := fn(in); err != nil {
					return nil, err
				}
			}
			return executors.JSONResult(executors.GenerateResult{
				Kind:   schema.GenerationTypeImage,
				Prompt: fmt.Sprint(in.Args["prompt"]),
				Assets: nil,
			})
		},
	}
}

func imageWorkflow(id string, n int) *schema.Workflow {
	wf := &schema.Workflow{ID: id, Name: "images", Context: &schema.WorkflowContext{SurfaceID: "board-1"}}
	for i := 0; i < n; i++ {
		wf.Steps = append(wf.Steps, &schema.WorkflowStep{
			ID:       fmt.Sprintf("step-%d", i+1),
			ToolName: executors.ToolGenerateImage,
			Args:     map[string]any{"prompt": "a cat"},
			Status:   schema.StepStatusPending,
		})
	}
	return wf
}

func TestSubmitThreeImages(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(nil))
	ch := h.subscribe(t, "wf-a")

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-a", 3)))
	events := until(t, ch, terminal)

	assert.Equal(t, []string{
		"step-1:running", "step-1:completed",
		"step-2:running", "step-2:completed",
		"step-3:running", "step-3:completed",
	}, stepEvents(events))

	last := events[len(events)-1]
	require.Equal(t, schema.EventCompleted, last.Type)
	require.NotNil(t, last.Workflow)
	assert.Equal(t, schema.WorkflowStatusCompleted, last.Workflow.Status)
	for _, s := range last.Workflow.Steps {
		assert.Equal(t, schema.StepStatusCompleted, s.Status)
		assert.NotEmpty(t, s.Result)
	}

	stored, err := h.engine.Wait(context.Background(), "wf-a")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.False(t, h.engine.IsActive("wf-a"))
}

func TestStatusEventsBracketTheRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(nil))
	ch := h.subscribe(t, "wf-s")

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-s", 1)))
	events := until(t, ch, terminal)

	var statuses []string
	for _, e := range events {
		if e.Type == schema.EventStatus {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []string{"pending", "running", "completed"}, statuses)
}

func TestStepFailureFailsWorkflow(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	h.reg.MustRegister(imageTool(func(in executors.StepInput) error {
		calls.Add(1)
		if in.StepID == "step-2" {
			return errors.New("rate limited")
		}
		return nil
	}))
	ch := h.subscribe(t, "wf-b")

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-b", 3)))
	events := until(t, ch, terminal)

	assert.Equal(t, []string{"step-1:running", "step-1:completed", "step-2:running", "step-2:failed"}, stepEvents(events))
	for _, e := range events {
		assert.NotEqual(t, "step-3", e.StepID, "no event for the step after the failure")
		if e.Type == schema.EventStep && e.Status == "failed" {
			assert.Equal(t, "rate limited", e.Error)
			assert.Equal(t, schema.ErrCodeExecution, e.ErrorCode)
		}
	}
	last := events[len(events)-1]
	assert.Equal(t, schema.EventFailed, last.Type)
	assert.Equal(t, "rate limited", last.Error)

	stored, err := h.engine.Wait(context.Background(), "wf-b")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, stored.Status)
	assert.Equal(t, schema.StepStatusPending, stored.Steps[2].Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAuthErrorCodeIsCarried(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(func(executors.StepInput) error {
		return schema.NewError(schema.ErrCodeAuth, "token expired")
	}))
	ch := h.subscribe(t, "wf-auth")

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-auth", 1)))
	last := until(t, ch, terminal)
	failed := last[len(last)-1]
	assert.Equal(t, "token expired", failed.Error)
	assert.True(t, failed.NeedsReauth())
}

func TestAnalyzeAddsSteps(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(nil), &executors.FuncExecutor{
		ToolName: executors.ToolAnalyze,
		Fn: func(context.Context, executors.StepInput) (*executors.StepOutput, error) {
			return &executors.StepOutput{
				Result: json.RawMessage(`{"summary":"two more"}`),
				AddSteps: []*schema.WorkflowStep{
					{ToolName: executors.ToolGenerateImage, Args: map[string]any{"prompt": "x"}},
					{ID: "step-1", ToolName: executors.ToolGenerateImage, Args: map[string]any{"prompt": "y"}},
				},
			}, nil
		},
	})
	wf := &schema.Workflow{ID: "wf-d", Steps: []*schema.WorkflowStep{{ID: "step-1", ToolName: executors.ToolAnalyze}}}
	ch := h.subscribe(t, "wf-d")

	require.NoError(t, h.engine.Submit(context.Background(), wf))
	events := until(t, ch, terminal)

	addedAt := -1
	for i, e := range events {
		if e.Type == schema.EventStepsAdded {
			addedAt = i
			require.Len(t, e.Steps, 2)
			assert.Equal(t, "step-2", e.Steps[0].ID)
			assert.Equal(t, "step-3", e.Steps[1].ID, "colliding id is rewritten")
			assert.Equal(t, schema.StepStatusPending, e.Steps[0].Status)
		}
	}
	require.GreaterOrEqual(t, addedAt, 0)
	for i, e := range events {
		if e.StepID == "step-2" || e.StepID == "step-3" {
			assert.Greater(t, i, addedAt, "added steps run after steps_added")
		}
	}
	assert.Equal(t, []string{
		"step-1:running", "step-1:completed",
		"step-2:running", "step-2:completed",
		"step-3:running", "step-3:completed",
	}, stepEvents(events))
}

func TestCancelWhileStepRunning(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	h.reg.MustRegister(imageTool(func(in executors.StepInput) error {
		if in.StepID == "step-2" {
			close(started)
			<-release
		}
		return nil
	}))
	ch := h.subscribe(t, "wf-e")

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-e", 3)))
	<-started
	require.NoError(t, h.engine.Cancel(context.Background(), "wf-e"))
	require.NoError(t, h.engine.Cancel(context.Background(), "wf-e"), "second cancel is a no-op")
	close(release)

	stored, err := h.engine.Wait(context.Background(), "wf-e")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, stored.Status)
	assert.Equal(t, schema.StepStatusRunning, stored.Steps[1].Status, "in-flight step is left in place")
	assert.Equal(t, schema.StepStatusPending, stored.Steps[2].Status)

	events := until(t, ch, func(e schema.Event) bool { return e.Type == schema.EventStatus && e.Status == "cancelled" })
	time.Sleep(50 * time.Millisecond)
drain:
	for {
		select {
		case e := <-ch:
			events = append(events, e)
		default:
			break drain
		}
	}
	for _, e := range events {
		assert.NotEqual(t, "step-3", e.StepID)
		if e.StepID == "step-2" {
			assert.NotEqual(t, "completed", e.Status, "late result is discarded")
		}
		assert.NotEqual(t, schema.EventCompleted, e.Type)
	}
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(nil))

	err := h.engine.Cancel(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-done", 1)))
	_, err = h.engine.Wait(context.Background(), "wf-done")
	require.NoError(t, err)
	assert.True(t, schema.IsCode(h.engine.Cancel(context.Background(), "wf-done"), schema.ErrCodeNotFound))
}

func TestResubmitActiveIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.reg.MustRegister(imageTool(func(executors.StepInput) error { <-release; return nil }))
	defer close(release)

	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-dup", 1)))
	before, err := h.store.GetWorkflow(context.Background(), "wf-dup")
	require.NoError(t, err)

	other := imageWorkflow("wf-dup", 3)
	other.Name = "intruder"
	err = h.engine.Submit(context.Background(), other)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	after, err := h.store.GetWorkflow(context.Background(), "wf-dup")
	require.NoError(t, err)
	assert.Equal(t, before.Name, after.Name)
	assert.Len(t, after.Steps, 1)
}

func TestResubmitFinishedIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.reg.MustRegister(imageTool(func(in executors.StepInput) error {
		if in.WorkflowID == "wf-cancel" {
			started <- struct{}{}
			<-release
		}
		return nil
	}))
	ctx := context.Background()

	require.NoError(t, h.engine.Submit(ctx, imageWorkflow("wf-cancel", 2)))
	<-started
	require.NoError(t, h.engine.Cancel(ctx, "wf-cancel"))
	close(release)
	_, err := h.engine.Wait(ctx, "wf-cancel")
	require.NoError(t, err)

	err = h.engine.Submit(ctx, imageWorkflow("wf-cancel", 2))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRejected))
	stored, err := h.store.GetWorkflow(ctx, "wf-cancel")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, stored.Status, "cancelled record is kept")

	require.NoError(t, h.engine.Submit(ctx, imageWorkflow("wf-ok", 1)))
	_, err = h.engine.Wait(ctx, "wf-ok")
	require.NoError(t, err)
	err = h.engine.Submit(ctx, imageWorkflow("wf-ok", 1))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestTakeoverReplacesCancelledRecord(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(nil))
	ctx := context.Background()

	orphan := imageWorkflow("wf-orphan", 1)
	orphan.Status = schema.WorkflowStatusCancelled
	require.NoError(t, h.store.SaveWorkflow(ctx, orphan))

	require.NoError(t, h.engine.Takeover(ctx, imageWorkflow("wf-orphan", 1)))
	stored, err := h.engine.Wait(ctx, "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, stored.Status)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	assert.True(t, schema.IsCode(h.engine.Submit(ctx, &schema.Workflow{}), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(h.engine.Submit(ctx, &schema.Workflow{ID: "x"}), schema.ErrCodeValidation))
	running := imageWorkflow("y", 1)
	running.Steps[0].Status = schema.StepStatusRunning
	assert.True(t, schema.IsCode(h.engine.Submit(ctx, running), schema.ErrCodeValidation))
}

func TestSubmitAssignsStepIDs(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(nil))
	wf := &schema.Workflow{ID: "wf-ids", Steps: []*schema.WorkflowStep{
		{ToolName: executors.ToolGenerateImage},
		{ID: "step-1", ToolName: executors.ToolGenerateImage},
		{ToolName: executors.ToolGenerateImage},
	}}
	require.NoError(t, h.engine.Submit(context.Background(), wf))
	stored, err := h.engine.Wait(context.Background(), "wf-ids")
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, s := range stored.Steps {
		assert.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true
	}
	assert.Equal(t, "step-1", stored.Steps[0].ID)
	assert.Empty(t, wf.Steps[0].ID, "caller's workflow is not mutated")
}

func TestUnknownToolFailsStep(t *testing.T) {
	h := newHarness(t, Config{})
	ch := h.subscribe(t, "wf-tool")
	wf := &schema.Workflow{ID: "wf-tool", Steps: []*schema.WorkflowStep{{ID: "step-1", ToolName: "paint"}}}

	require.NoError(t, h.engine.Submit(context.Background(), wf))
	events := until(t, ch, terminal)
	assert.Equal(t, schema.ErrCodeToolNotFound, events[len(events)-1].ErrorCode)
}

func TestGuardSkipsStep(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	h := newHarness(t, Config{}, WithGuards(cel))
	h.reg.MustRegister(imageTool(nil))

	wf := imageWorkflow("wf-guard", 3)
	wf.Steps[1].Options = &schema.StepOptions{When: `steps["step-1"].status == "failed"`}
	wf.Steps[2].Options = &schema.StepOptions{When: `context.surfaceId == "board-1" && workflow.stepIndex == 2`}
	ch := h.subscribe(t, "wf-guard")

	require.NoError(t, h.engine.Submit(context.Background(), wf))
	events := until(t, ch, terminal)

	assert.Equal(t, []string{
		"step-1:running", "step-1:completed",
		"step-2:skipped",
		"step-3:running", "step-3:completed",
	}, stepEvents(events))
	assert.Equal(t, schema.EventCompleted, events[len(events)-1].Type)
}

func TestGuardErrorFailsStep(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	h := newHarness(t, Config{}, WithGuards(cel))
	h.reg.MustRegister(imageTool(nil))

	wf := imageWorkflow("wf-badguard", 1)
	wf.Steps[0].Options = &schema.StepOptions{When: `"not a bool"`}
	ch := h.subscribe(t, "wf-badguard")

	require.NoError(t, h.engine.Submit(context.Background(), wf))
	events := until(t, ch, terminal)
	assert.Equal(t, []string{"step-1:failed"}, stepEvents(events))
	assert.Equal(t, schema.ErrCodeValidation, events[len(events)-1].ErrorCode)
}

type fakeForeground struct {
	mu    sync.Mutex
	reqs  []bridge.ToolRequest
	reply func(ctx context.Context, req bridge.ToolRequest) (*bridge.ToolResponse, error)
}

func (f *fakeForeground) RequestForegroundTool(ctx context.Context, req bridge.ToolRequest) (*bridge.ToolResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.reply(ctx, req)
}

func mindmapWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{ID: id, Steps: []*schema.WorkflowStep{
		{ID: "step-1", ToolName: executors.ToolInsertMindmap, Args: map[string]any{"content": "# idea"}},
	}}
}

func TestForegroundHandOff(t *testing.T) {
	var calls atomic.Int32
	fg := &fakeForeground{reply: func(_ context.Context, req bridge.ToolRequest) (*bridge.ToolResponse, error) {
		resp := &bridge.ToolResponse{Success: true, Result: json.RawMessage(`{"inserted":true}`)}
		if calls.Add(1) == 1 {
			resp.AddSteps = []*schema.WorkflowStep{{ToolName: executors.ToolInsertMindmap, Args: map[string]any{"content": "child"}}}
		}
		return resp, nil
	}}
	h := newHarness(t, Config{Role: RoleBackground}, WithForeground(fg))
	h.reg.MustRegister(executors.NewInsertMindmapExecutor(nil))
	ch := h.subscribe(t, "wf-fg")

	require.NoError(t, h.engine.Submit(context.Background(), mindmapWorkflow("wf-fg")))
	events := until(t, ch, terminal)

	assert.Equal(t, []string{
		"step-1:running", "step-1:pending_foreground", "step-1:completed",
		"step-2:running", "step-2:pending_foreground", "step-2:completed",
	}, stepEvents(events), "added foreground steps recurse through the same loop")
	require.Len(t, fg.reqs, 2)
	assert.Equal(t, "wf-fg", fg.reqs[0].WorkflowID)
	assert.Equal(t, "# idea", fg.reqs[0].Args["content"])
}

func TestAddedStepsAreCapped(t *testing.T) {
	fg := &fakeForeground{reply: func(context.Context, bridge.ToolRequest) (*bridge.ToolResponse, error) {
		return &bridge.ToolResponse{
			Success:  true,
			AddSteps: []*schema.WorkflowStep{{ToolName: executors.ToolInsertMindmap, Args: map[string]any{"content": "again"}}},
		}, nil
	}}
	h := newHarness(t, Config{Role: RoleBackground, MaxSteps: 3}, WithForeground(fg))
	h.reg.MustRegister(executors.NewInsertMindmapExecutor(nil))
	ch := h.subscribe(t, "wf-grow")

	require.NoError(t, h.engine.Submit(context.Background(), mindmapWorkflow("wf-grow")))
	events := until(t, ch, terminal)

	last := events[len(events)-1]
	assert.Equal(t, schema.EventFailed, last.Type)
	assert.Equal(t, schema.ErrCodeValidation, last.ErrorCode)

	stored, err := h.engine.Wait(context.Background(), "wf-grow")
	require.NoError(t, err)
	require.Len(t, stored.Steps, 3)
	assert.Equal(t, schema.StepStatusCompleted, stored.Steps[1].Status)
	assert.Equal(t, schema.StepStatusFailed, stored.Steps[2].Status)
	assert.Equal(t, schema.WorkflowStatusFailed, stored.Status)
}

func TestSubmitOverStepLimit(t *testing.T) {
	h := newHarness(t, Config{MaxSteps: 2})
	err := h.engine.Submit(context.Background(), imageWorkflow("wf-big", 3))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestForegroundToolRunsLocallyInForeground(t *testing.T) {
	canvas := &stubCanvas{}
	h := newHarness(t, Config{Role: RoleForeground})
	h.reg.MustRegister(executors.NewInsertMindmapExecutor(canvas))
	ch := h.subscribe(t, "wf-local")

	require.NoError(t, h.engine.Submit(context.Background(), mindmapWorkflow("wf-local")))
	events := until(t, ch, terminal)
	assert.Equal(t, []string{"step-1:running", "step-1:completed"}, stepEvents(events))
	assert.Equal(t, int32(1), canvas.calls.Load())
}

type stubCanvas struct{ calls atomic.Int32 }

func (c *stubCanvas) Apply(context.Context, string, map[string]any) (json.RawMessage, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestForegroundFailureAndUnavailable(t *testing.T) {
	t.Run("tool failure", func(t *testing.T) {
		fg := &fakeForeground{reply: func(context.Context, bridge.ToolRequest) (*bridge.ToolResponse, error) {
			return &bridge.ToolResponse{Success: false, Error: "canvas locked"}, nil
		}}
		h := newHarness(t, Config{Role: RoleBackground}, WithForeground(fg))
		h.reg.MustRegister(executors.NewInsertMindmapExecutor(nil))
		ch := h.subscribe(t, "wf")
		require.NoError(t, h.engine.Submit(context.Background(), mindmapWorkflow("wf")))
		events := until(t, ch, terminal)
		assert.Equal(t, "canvas locked", events[len(events)-1].Error)
		assert.Equal(t, schema.ErrCodeExecution, events[len(events)-1].ErrorCode)
	})

	t.Run("no foreground", func(t *testing.T) {
		fg := &fakeForeground{reply: func(context.Context, bridge.ToolRequest) (*bridge.ToolResponse, error) {
			return nil, schema.NewError(schema.ErrCodeUnavailable, "no foreground attached")
		}}
		h := newHarness(t, Config{Role: RoleBackground}, WithForeground(fg))
		h.reg.MustRegister(executors.NewInsertMindmapExecutor(nil))
		ch := h.subscribe(t, "wf")
		require.NoError(t, h.engine.Submit(context.Background(), mindmapWorkflow("wf")))
		events := until(t, ch, terminal)
		assert.Equal(t, schema.ErrCodeUnavailable, events[len(events)-1].ErrorCode)
	})

	t.Run("timeout", func(t *testing.T) {
		fg := &fakeForeground{reply: func(ctx context.Context, _ bridge.ToolRequest) (*bridge.ToolResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		h := newHarness(t, Config{Role: RoleBackground, ForegroundTimeout: 30 * time.Millisecond}, WithForeground(fg))
		h.reg.MustRegister(executors.NewInsertMindmapExecutor(nil))
		ch := h.subscribe(t, "wf")
		require.NoError(t, h.engine.Submit(context.Background(), mindmapWorkflow("wf")))
		events := until(t, ch, terminal)
		assert.Equal(t, schema.ErrCodeTimeout, events[len(events)-1].ErrorCode)

		stored, err := h.engine.Wait(context.Background(), "wf")
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatusFailed, stored.Steps[0].Status)
	})
}

func TestCloseLeavesStepRunning(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.reg.MustRegister(&executors.FuncExecutor{
		ToolName: executors.ToolGenerateImage,
		Fn: func(ctx context.Context, _ executors.StepInput) (*executors.StepOutput, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("wf-close", 1)))
	<-started
	h.engine.Close()

	stored, err := h.store.GetWorkflow(context.Background(), "wf-close")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, stored.Status)
	assert.Equal(t, schema.StepStatusRunning, stored.Steps[0].Status)

	err = h.engine.Submit(context.Background(), imageWorkflow("wf-after", 1))
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnavailable))
}

func TestResumeContinuesPendingSteps(t *testing.T) {
	h := newHarness(t, Config{})
	var ran []string
	var mu sync.Mutex
	h.reg.MustRegister(imageTool(func(in executors.StepInput) error {
		mu.Lock()
		ran = append(ran, in.StepID)
		mu.Unlock()
		return nil
	}))

	wf := imageWorkflow("wf-resume", 3)
	wf.Status = schema.WorkflowStatusRunning
	wf.Steps[0].Status = schema.StepStatusCompleted
	wf.UpdatedAt = time.Now().Add(time.Hour)
	require.NoError(t, h.engine.Resume(context.Background(), wf))

	stored, err := h.engine.Wait(context.Background(), "wf-resume")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, stored.Status)
	assert.Equal(t, []string{"step-2", "step-3"}, ran)
	assert.True(t, stored.UpdatedAt.After(wf.UpdatedAt), "updatedAt stays monotonic")

	inflight := imageWorkflow("wf-inflight", 1)
	inflight.Steps[0].Status = schema.StepStatusRunning
	assert.True(t, schema.IsCode(h.engine.Resume(context.Background(), inflight), schema.ErrCodeValidation))

	done := imageWorkflow("wf-term", 1)
	done.Status = schema.WorkflowStatusFailed
	assert.True(t, schema.IsCode(h.engine.Resume(context.Background(), done), schema.ErrCodeInvalidTransition))
}

func TestStatusDerivationHoldsForStoredStates(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.MustRegister(imageTool(func(in executors.StepInput) error {
		if in.StepID == "step-2" {
			return errors.New("boom")
		}
		return nil
	}))
	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("ok", 1)))
	require.NoError(t, h.engine.Submit(context.Background(), imageWorkflow("bad", 2)))
	for _, id := range []string{"ok", "bad"} {
		_, err := h.engine.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	all, err := h.store.ListWorkflows(context.Background(), store.WorkflowFilter{})
	require.NoError(t, err)
	for _, wf := range all {
		assert.Equal(t, schema.DeriveStatus(wf.Steps), wf.Status, wf.ID)
	}
}

func TestCanvasInsertHook(t *testing.T) {
	ins := &captureInserter{}
	h := newHarness(t, Config{}, WithStepHook(CanvasInsertHook(ins, nil)))
	h.reg.MustRegister(&executors.FuncExecutor{
		ToolName: executors.ToolGenerateImage,
		Fn: func(context.Context, executors.StepInput) (*executors.StepOutput, error) {
			return executors.JSONResult(map[string]any{
				"kind":   "image",
				"assets": []map[string]any{{"url": "https://cdn/x.png", "kind": "image"}},
			})
		},
	})
	wf := imageWorkflow("wf-hook", 1)
	wf.Steps[0].Options = &schema.StepOptions{BatchID: "b1", BatchIndex: 0, BatchTotal: 1}

	require.NoError(t, h.engine.Submit(context.Background(), wf))
	_, err := h.engine.Wait(context.Background(), "wf-hook")
	require.NoError(t, err)

	ins.mu.Lock()
	defer ins.mu.Unlock()
	require.Len(t, ins.params, 1)
	p := ins.params[0]
	assert.Equal(t, []any{"https://cdn/x.png"}, p["urls"])
	assert.Equal(t, "board-1", p["surfaceId"])
	assert.Equal(t, "b1", p["batchId"])
}

type captureInserter struct {
	mu     sync.Mutex
	params []map[string]any
}

func (c *captureInserter) Insert(_ context.Context, _ string, params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = append(c.params, params)
	return nil
}

func TestStoreFailureAbortsWorkflow(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	hub := streaming.NewMemoryHub()
	reg := executors.NewRegistry().MustRegister(imageTool(nil))
	e := New(fs, hub, reg, Config{})
	defer e.Close()

	fs.failAfter.Store(2) // initial save and step start succeed
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: "wf-store"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, e.Submit(context.Background(), imageWorkflow("wf-store", 1)))
	_ = until(t, ch, func(ev schema.Event) bool { return ev.Type == schema.EventStep && ev.Status == "running" })
	_, err = e.Wait(context.Background(), "wf-store")
	require.NoError(t, err)

	stored, err := fs.MemoryStore.GetWorkflow(context.Background(), "wf-store")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusRunning, stored.Steps[0].Status, "nothing was recorded after the store failed")
}

type flakyStore struct {
	*store.MemoryStore
	saves     atomic.Int32
	failAfter atomic.Int32
}

func (f *flakyStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if n := f.saves.Add(1); n > f.failAfter.Load() {
		return schema.NewError(schema.ErrCodeStore, "disk full")
	}
	return f.MemoryStore.SaveWorkflow(ctx, wf)
}
