// Package service is the facade the UI layer talks to: it turns parsed
// generation requests into workflows and hands them to the selector.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/selector"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/internal/validation"
	"github.com/rendis/genflow/pkg/schema"
)

// Dispatcher routes workflows to an engine. *selector.Selector satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, wf *schema.Workflow) (selector.Mode, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schema.Workflow, error)
}

// SubmitResult is returned by SubmitWorkflow and RetryWorkflow.
type SubmitResult struct {
	WorkflowID     string `json:"workflowId"`
	UsedBackground bool   `json:"usedBackground"`
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithIDGenerator overrides uuid.NewString for workflow and batch ids.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// Service builds workflows from requests and tracks nothing itself: state
// lives in the owning engine and the store.
type Service struct {
	dispatcher Dispatcher
	store      store.Store
	hub        streaming.EventHub
	validator  *validation.Validator
	newID      func() string
	logger     *slog.Logger
}

// New creates the facade.
func New(d Dispatcher, s store.Store, hub streaming.EventHub, v *validation.Validator, opts ...Option) *Service {
	svc := &Service{
		dispatcher: d,
		store:      s,
		hub:        hub,
		validator:  v,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(svc)
	}
	if svc.logger == nil {
		svc.logger = logging.Discard()
	}
	return svc
}

// SubmitWorkflow builds a workflow from req, or reuses existing when given,
// and submits it. referenceMedia, when non-nil, replaces the request's own
// media. retry, when non-nil, supplies the raw input and parameters recorded
// in the workflow context.
func (s *Service) SubmitWorkflow(ctx context.Context, req schema.GenerationRequest,
	referenceMedia []schema.ReferenceMedia, retry *schema.RetryContext, existing *schema.Workflow) (*SubmitResult, error) {
	if referenceMedia != nil {
		req.ReferenceMedia = referenceMedia
	}

	var wf *schema.Workflow
	if existing != nil {
		wf = existing.Clone()
		if wf.ID == "" {
			wf.ID = s.newID()
		}
		if wf.Context == nil {
			wf.Context = buildContext(req, retry)
		}
		if len(wf.Steps) == 0 {
			if err := s.validate(req); err != nil {
				return nil, err
			}
			wf.Steps = s.buildSteps(req)
		}
	} else {
		if err := s.validate(req); err != nil {
			return nil, err
		}
		wf = &schema.Workflow{
			ID:      s.newID(),
			Name:    workflowName(req),
			Steps:   s.buildSteps(req),
			Context: buildContext(req, retry),
		}
	}
	return s.submit(ctx, wf)
}

func (s *Service) submit(ctx context.Context, wf *schema.Workflow) (*SubmitResult, error) {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	if sid := wf.SurfaceID(); sid != "" {
		ctx = logging.WithSurfaceID(ctx, sid)
	}
	mode, err := s.dispatcher.Submit(ctx, wf)
	if err != nil {
		s.logger.WarnContext(ctx, "workflow submission failed", "error", err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "workflow submitted", "mode", mode, "steps", len(wf.Steps))
	return &SubmitResult{WorkflowID: wf.ID, UsedBackground: mode == selector.ModeBackground}, nil
}

// RetryWorkflow submits a new workflow rebuilt from the retry context of
// snapshot. Steps before fromStepIndex are not rebuilt. A step the request
// does not produce, one added while the workflow ran, is retried from the
// snapshot's own steps. The original record is left untouched.
func (s *Service) RetryWorkflow(ctx context.Context, snapshot *schema.Workflow, fromStepIndex int) (*SubmitResult, error) {
	if snapshot == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow snapshot is required")
	}
	if snapshot.Status == schema.WorkflowStatusCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeRejected, "workflow %s was cancelled and cannot be retried", snapshot.ID)
	}
	rc := snapshot.Context.RetryContext()
	if rc == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no retry context", snapshot.ID)
	}

	req := rc.Request()
	if err := s.validate(req); err != nil {
		return nil, err
	}
	steps := s.buildSteps(req)
	switch {
	case fromStepIndex >= 0 && fromStepIndex < len(steps):
		steps = steps[fromStepIndex:]
	case fromStepIndex >= 0 && fromStepIndex < len(snapshot.Steps):
		steps = resetSteps(snapshot.Steps[fromStepIndex:])
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step index %d out of range [0,%d)",
			fromStepIndex, max(len(steps), len(snapshot.Steps)))
	}

	wctx := buildContext(req, rc)
	wctx.RetryOf = snapshot.ID
	wf := &schema.Workflow{
		ID:      s.newID(),
		Name:    workflowName(req),
		Steps:   steps,
		Context: wctx,
	}
	for i, st := range wf.Steps {
		st.ID = fmt.Sprintf("step-%d", i+1)
	}
	s.logger.InfoContext(logging.WithWorkflowID(ctx, snapshot.ID), "retrying workflow", "from", fromStepIndex, "retry", wf.ID)
	return s.submit(ctx, wf)
}

// resetSteps copies steps as pending with their outcome cleared.
func resetSteps(steps []*schema.WorkflowStep) []*schema.WorkflowStep {
	out := make([]*schema.WorkflowStep, 0, len(steps))
	for _, st := range steps {
		if st == nil {
			continue
		}
		cp := st.Clone()
		cp.Status = schema.StepStatusPending
		cp.Result, cp.Error, cp.ErrorCode, cp.Duration = nil, "", "", 0
		out = append(out, cp)
	}
	return out
}

// CancelWorkflow asks the owning engine to cancel id.
func (s *Service) CancelWorkflow(ctx context.Context, id string) error {
	return s.dispatcher.Cancel(logging.WithWorkflowID(ctx, id), id)
}

// GetWorkflow returns the owner's current view of id.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.dispatcher.Get(ctx, id)
}

// ListWorkflows reads persisted workflows.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Subscribe streams workflow events matching filter until cancel is called
// or ctx ends.
func (s *Service) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan schema.Event, func(), error) {
	return s.hub.Subscribe(ctx, filter)
}

func (s *Service) validate(req schema.GenerationRequest) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.ValidateRequest(req)
}

// buildSteps turns a request into N generation steps sharing one batch id,
// or a single analysis step.
func (s *Service) buildSteps(req schema.GenerationRequest) []*schema.WorkflowStep {
	args := map[string]any{"prompt": req.Prompt}
	if req.ModelID != "" {
		args["model"] = req.ModelID
	}
	if len(req.ReferenceMedia) > 0 {
		media := make([]any, len(req.ReferenceMedia))
		for i, m := range req.ReferenceMedia {
			media[i] = map[string]any{"url": m.URL, "kind": m.Kind, "mimeType": m.MimeType}
		}
		args["referenceMedia"] = media
	}

	if req.GenerationType == schema.GenerationTypeAnalyze {
		return []*schema.WorkflowStep{{
			ID:          "step-1",
			ToolName:    executors.ToolAnalyze,
			Args:        args,
			Description: "Analyze request",
			Status:      schema.StepStatusPending,
		}}
	}

	tool, noun := executors.ToolGenerateImage, "image"
	if req.GenerationType == schema.GenerationTypeVideo {
		tool, noun = executors.ToolGenerateVideo, "video"
		if req.Duration != "" {
			args["duration"] = req.Duration
		}
	}
	if req.Size != "" {
		args["size"] = req.Size
	}

	n := req.Count
	if n <= 0 {
		n = 1
	}
	batch := s.newID()
	mode := schema.ExecutionModeAsync
	if n > 1 {
		mode = schema.ExecutionModeQueue
	}
	steps := make([]*schema.WorkflowStep, n)
	for i := range steps {
		stepArgs := make(map[string]any, len(args))
		for k, v := range args {
			stepArgs[k] = v
		}
		steps[i] = &schema.WorkflowStep{
			ID:          fmt.Sprintf("step-%d", i+1),
			ToolName:    tool,
			Args:        stepArgs,
			Description: fmt.Sprintf("Generate %s %d/%d", noun, i+1, n),
			Status:      schema.StepStatusPending,
			Options: &schema.StepOptions{
				Mode:        mode,
				BatchID:     batch,
				BatchIndex:  i,
				BatchTotal:  n,
				GlobalIndex: i,
			},
		}
	}
	return steps
}

func buildContext(req schema.GenerationRequest, retry *schema.RetryContext) *schema.WorkflowContext {
	c := &schema.WorkflowContext{
		UserInstruction: req.UserInstruction,
		RawInput:        req.RawInput,
		GenerationType:  req.GenerationType,
		ModelID:         req.ModelID,
		ReferenceMedia:  append([]schema.ReferenceMedia(nil), req.ReferenceMedia...),
		FinalPrompt:     req.Prompt,
		SurfaceID:       req.SurfaceID,
		Params:          map[string]any{"count": req.Count},
	}
	if req.Size != "" {
		c.Params["size"] = req.Size
	}
	if req.Duration != "" {
		c.Params["duration"] = req.Duration
	}
	if retry != nil {
		if c.RawInput == "" {
			c.RawInput = retry.RawInput
		}
		if c.UserInstruction == "" {
			c.UserInstruction = retry.UserInstruction
		}
		for k, v := range retry.Params {
			if _, ok := c.Params[k]; !ok {
				c.Params[k] = v
			}
		}
	}
	return c
}

func workflowName(req schema.GenerationRequest) string {
	switch req.GenerationType {
	case schema.GenerationTypeAnalyze:
		return "Analyze"
	case schema.GenerationTypeVideo:
		return pluralize(req.Count, "video")
	default:
		return pluralize(req.Count, "image")
	}
}

func pluralize(n int, noun string) string {
	if n <= 1 {
		return "Generate " + noun
	}
	return fmt.Sprintf("Generate %d %ss", n, noun)
}

// RecentFilter selects workflows updated within d, newest first.
func RecentFilter(d time.Duration, limit int) store.WorkflowFilter {
	t := time.Now().UTC().Add(-d)
	return store.WorkflowFilter{UpdatedSince: &t, Limit: limit}
}
