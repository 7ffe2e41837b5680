package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/genflow/internal/bridge"
	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/pkg/schema"
)

// loop runs the pending steps of r in array order, one at a time, until none
// is left, a step fails, the workflow is cancelled or the engine closes.
func (e *Engine) loop(ctx context.Context, r *run) {
	defer e.release(r)

	for {
		wf, ok := r.snapshot()
		if !ok || ctx.Err() != nil {
			return
		}
		idx := wf.NextPending()
		if idx < 0 {
			e.settle(ctx, r)
			return
		}
		step := wf.Steps[idx]
		sctx := logging.WithStepID(ctx, step.ID)

		skip, err := e.checkGuard(sctx, wf, idx)
		if err != nil {
			e.failStep(sctx, r, step.ID, time.Now(), err)
			return
		}
		if skip {
			if !e.skipStep(sctx, r, step.ID) {
				return
			}
			continue
		}

		if !e.startStep(sctx, r, step.ID) {
			return
		}
		started := time.Now()
		out, err := e.execute(sctx, r, wf, step)
		if ctx.Err() != nil {
			e.logger.WarnContext(sctx, "engine stopped with step in flight", "tool", step.ToolName)
			return
		}
		if errors.Is(err, errStopped) {
			return
		}
		if !r.active() {
			e.logger.InfoContext(sctx, "discarding result of cancelled workflow", "tool", step.ToolName)
			return
		}
		if err == nil {
			err = e.checkGrowth(wf, step, out)
		}
		if err != nil {
			e.failStep(sctx, r, step.ID, started, err)
			return
		}
		if !e.completeStep(sctx, r, step.ID, started, out) {
			return
		}
	}
}

// commit applies mutate to a copy of the owned workflow, persists the copy
// and only then publishes the events mutate returned. UpdatedAt is advanced
// before mutate runs. It reports false, without writing, once the workflow
// is cancelled.
func (e *Engine) commit(ctx context.Context, r *run, mutate func(wf *schema.Workflow) ([]schema.Event, error)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false, nil
	}
	next := r.wf.Clone()
	next.UpdatedAt = bump(r.wf.UpdatedAt)
	events, err := mutate(next)
	if err != nil {
		return false, err
	}
	if err := e.store.SaveWorkflow(ctx, next); err != nil {
		return false, err
	}
	r.wf = next
	e.publish(ctx, events...)
	return true, nil
}

// apply is commit for the loop: an error fails the workflow through abort.
func (e *Engine) apply(ctx context.Context, r *run, what string, mutate func(wf *schema.Workflow) ([]schema.Event, error)) bool {
	ok, err := e.commit(ctx, r, mutate)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "workflow update failed", "update", what, "error", err)
			e.abort(ctx, r, err)
		}
		return false
	}
	return ok
}

// abort fails the workflow after an internal error. Steps in flight are
// failed with it so the status derivation rule still holds.
func (e *Engine) abort(ctx context.Context, r *run, cause error) {
	msg, code := errorFields(cause)
	_, err := e.commit(ctx, r, func(wf *schema.Workflow) ([]schema.Event, error) {
		var events []schema.Event
		failedAny := false
		for _, s := range wf.Steps {
			if s.Status.InFlight() || (!failedAny && s.Status == schema.StepStatusPending) {
				s.Status, s.Error, s.ErrorCode = schema.StepStatusFailed, msg, code
				events = append(events, stepEvent(wf.ID, s))
				failedAny = true
			}
			if s.Status == schema.StepStatusFailed {
				failedAny = true
			}
		}
		wf.Status = schema.WorkflowStatusFailed
		wf.Error, wf.ErrorCode = msg, code
		t := wf.UpdatedAt
		wf.CompletedAt = &t
		events = append(events,
			schema.Event{Type: schema.EventStatus, WorkflowID: wf.ID, Status: string(wf.Status)},
			schema.Event{Type: schema.EventFailed, WorkflowID: wf.ID, Error: msg, ErrorCode: code},
		)
		return events, nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "could not record workflow failure", "error", err)
	}
}

func (e *Engine) subject(wf *schema.Workflow, s *schema.WorkflowStep) Subject {
	return Subject{WorkflowID: wf.ID, StepID: s.ID, Tool: s.ToolName}
}

// moveStep applies the step transition and returns the step.
func (e *Engine) moveStep(ctx context.Context, wf *schema.Workflow, id string, to schema.StepStatus) (*schema.WorkflowStep, error) {
	s, _ := wf.StepByID(id)
	if s == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found in workflow %s", id, wf.ID)
	}
	if err := e.stepFSM.Transition(ctx, e.subject(wf, s), s.Status, to); err != nil {
		return nil, err
	}
	s.Status = to
	return s, nil
}

// markRunning moves a pending workflow to running.
func (e *Engine) markRunning(ctx context.Context, wf *schema.Workflow) ([]schema.Event, error) {
	if wf.Status != schema.WorkflowStatusPending {
		return nil, nil
	}
	ev, err := e.setStatus(ctx, wf, schema.WorkflowStatusRunning)
	if err != nil || ev == nil {
		return nil, err
	}
	return []schema.Event{*ev}, nil
}

func (e *Engine) startStep(ctx context.Context, r *run, id string) bool {
	return e.apply(ctx, r, "start step", func(wf *schema.Workflow) ([]schema.Event, error) {
		events, err := e.markRunning(ctx, wf)
		if err != nil {
			return nil, err
		}
		s, err := e.moveStep(ctx, wf, id, schema.StepStatusRunning)
		if err != nil {
			return nil, err
		}
		return append(events, stepEvent(wf.ID, s)), nil
	})
}

func (e *Engine) skipStep(ctx context.Context, r *run, id string) bool {
	return e.apply(ctx, r, "skip step", func(wf *schema.Workflow) ([]schema.Event, error) {
		events, err := e.markRunning(ctx, wf)
		if err != nil {
			return nil, err
		}
		s, err := e.moveStep(ctx, wf, id, schema.StepStatusSkipped)
		if err != nil {
			return nil, err
		}
		return append(events, stepEvent(wf.ID, s)), nil
	})
}

func (e *Engine) completeStep(ctx context.Context, r *run, id string, started time.Time, out *executors.StepOutput) bool {
	if out == nil {
		out = &executors.StepOutput{}
	}
	var done *schema.WorkflowStep
	var snapshot *schema.Workflow
	ok := e.apply(ctx, r, "complete step", func(wf *schema.Workflow) ([]schema.Event, error) {
		s, err := e.moveStep(ctx, wf, id, schema.StepStatusCompleted)
		if err != nil {
			return nil, err
		}
		s.Result = out.Result
		s.Error, s.ErrorCode = "", ""
		s.Duration = time.Since(started).Milliseconds()
		events := []schema.Event{stepEvent(wf.ID, s)}

		if added := appendSteps(wf, out.AddSteps); len(added) > 0 {
			steps := make([]*schema.WorkflowStep, len(added))
			for i, a := range added {
				steps[i] = a.Clone()
			}
			events = append(events, schema.Event{Type: schema.EventStepsAdded, WorkflowID: wf.ID, Steps: steps})
			e.logger.InfoContext(ctx, "steps added", "count", len(added))
		}
		done, snapshot = s.Clone(), wf.Clone()
		return events, nil
	})
	if !ok {
		return false
	}
	e.metrics.StepDuration(done.ToolName, string(done.Status), time.Since(started))
	for _, h := range e.hooks {
		h(ctx, snapshot, done.Clone())
	}
	return true
}

func (e *Engine) failStep(ctx context.Context, r *run, id string, started time.Time, cause error) {
	msg, code := errorFields(cause)
	var tool string
	ok := e.apply(ctx, r, "fail step", func(wf *schema.Workflow) ([]schema.Event, error) {
		s, err := e.moveStep(ctx, wf, id, schema.StepStatusFailed)
		if err != nil {
			return nil, err
		}
		tool = s.ToolName
		s.Error, s.ErrorCode = msg, code
		s.Duration = time.Since(started).Milliseconds()
		events := []schema.Event{stepEvent(wf.ID, s)}

		ev, err := e.setStatus(ctx, wf, schema.WorkflowStatusFailed)
		if err != nil {
			return nil, err
		}
		wf.Error, wf.ErrorCode = msg, code
		if ev != nil {
			events = append(events, *ev)
		}
		return append(events, schema.Event{Type: schema.EventFailed, WorkflowID: wf.ID, Error: msg, ErrorCode: code}), nil
	})
	if ok {
		e.metrics.StepDuration(tool, string(schema.StepStatusFailed), time.Since(started))
		e.logger.WarnContext(ctx, "step failed", "tool", tool, "code", code, "error", msg)
	}
}

// settle finishes a workflow with no pending step left.
func (e *Engine) settle(ctx context.Context, r *run) {
	e.apply(ctx, r, "finish workflow", func(wf *schema.Workflow) ([]schema.Event, error) {
		to := schema.DeriveStatus(wf.Steps)
		if to != schema.WorkflowStatusCompleted {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %s has no pending step but derives %s", wf.ID, to)
		}
		var events []schema.Event
		ev, err := e.setStatus(ctx, wf, to)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
		events = append(events, schema.Event{Type: schema.EventCompleted, WorkflowID: wf.ID, Workflow: wf.Clone()})
		e.logger.InfoContext(ctx, "workflow completed", "steps", len(wf.Steps))
		return events, nil
	})
}

// execute runs the step's tool, locally or through the foreground bridge.
func (e *Engine) execute(ctx context.Context, r *run, wf *schema.Workflow, step *schema.WorkflowStep) (out *executors.StepOutput, err error) {
	exec, err := e.registry.Get(step.ToolName)
	if err != nil {
		return nil, err
	}
	in := executors.StepInput{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		Args:       step.Args,
		Options:    step.Options,
		Context:    wf.Context,
	}
	if exec.Foreground() && e.cfg.Role == RoleBackground {
		return e.handOff(ctx, r, in, step.ToolName)
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, schema.NewErrorf(schema.ErrCodeExecution, "tool %s panicked: %v", step.ToolName, p)
		}
	}()
	return exec.Execute(ctx, in)
}

// handOff parks the step in pending_foreground and asks the foreground to
// run it, bounded by ForegroundTimeout.
func (e *Engine) handOff(ctx context.Context, r *run, in executors.StepInput, tool string) (*executors.StepOutput, error) {
	if !e.apply(ctx, r, "hand off step", func(wf *schema.Workflow) ([]schema.Event, error) {
		s, err := e.moveStep(ctx, wf, in.StepID, schema.StepStatusPendingForeground)
		if err != nil {
			return nil, err
		}
		return []schema.Event{stepEvent(wf.ID, s)}, nil
	}) {
		return nil, errStopped
	}

	if e.fg == nil {
		e.metrics.BridgeRequest("tool", "unavailable")
		return nil, schema.NewErrorf(schema.ErrCodeUnavailable, "no foreground bridge for tool %q", tool)
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.ForegroundTimeout)
	defer cancel()

	resp, err := e.fg.RequestForegroundTool(fctx, bridge.ToolRequest{
		WorkflowID: in.WorkflowID,
		StepID:     in.StepID,
		Tool:       tool,
		Args:       in.Args,
		Options:    in.Options,
		Context:    in.Context,
	})
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded):
		e.metrics.BridgeRequest("tool", "timeout")
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "foreground did not answer %s within %s", tool, e.cfg.ForegroundTimeout).WithCause(err)
	case err != nil:
		e.metrics.BridgeRequest("tool", "error")
		return nil, err
	case !resp.Success:
		e.metrics.BridgeRequest("tool", "failed")
		code := resp.ErrorCode
		if code == "" {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewError(code, resp.Error)
	}
	e.metrics.BridgeRequest("tool", "ok")
	return &executors.StepOutput{Result: resp.Result, AddSteps: resp.AddSteps}, nil
}

func (e *Engine) checkGuard(ctx context.Context, wf *schema.Workflow, idx int) (skip bool, err error) {
	s := wf.Steps[idx]
	if s.Options == nil || s.Options.When == "" {
		return false, nil
	}
	if e.guards == nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "step %s has a guard but guards are disabled", s.ID)
	}
	pass, err := e.guards.Guard(ctx, s.Options.When, guardData(wf, idx))
	if err != nil {
		return false, err
	}
	return !pass, nil
}

// checkGrowth fails a step whose added steps would take wf past MaxSteps.
func (e *Engine) checkGrowth(wf *schema.Workflow, step *schema.WorkflowStep, out *executors.StepOutput) error {
	if out == nil {
		return nil
	}
	n := 0
	for _, d := range out.AddSteps {
		if d != nil {
			n++
		}
	}
	if n == 0 || len(wf.Steps)+n <= e.cfg.MaxSteps {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"step %s adds %d steps to a workflow of %d, limit is %d", step.ID, n, len(wf.Steps), e.cfg.MaxSteps).WithStep(step.ID)
}

// appendSteps adds definitions as pending steps with unique ids and returns
// the appended steps.
func appendSteps(wf *schema.Workflow, defs []*schema.WorkflowStep) []*schema.WorkflowStep {
	if len(defs) == 0 {
		return nil
	}
	taken := make(map[string]bool, len(wf.Steps)+len(defs))
	for _, s := range wf.Steps {
		taken[s.ID] = true
	}
	added := make([]*schema.WorkflowStep, 0, len(defs))
	for _, d := range defs {
		if d == nil {
			continue
		}
		s := d.Clone()
		s.Status = schema.StepStatusPending
		s.Result, s.Error, s.ErrorCode, s.Duration = nil, "", "", 0
		added = append(added, s)
	}
	assignStepIDs(taken, added, len(wf.Steps))
	wf.Steps = append(wf.Steps, added...)
	return added
}

func errorFields(err error) (msg, code string) {
	code = schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	return schema.MessageOf(err), code
}
