package schema

import (
	"encoding/json"
	"time"
)

// Workflow is one multi-step generation job. The full structure is persisted
// as a single record; steps are embedded and rewritten as a unit.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Steps       []*WorkflowStep  `json:"steps"`
	Status      WorkflowStatus   `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   string           `json:"errorCode,omitempty"`
	Context     *WorkflowContext `json:"context,omitempty"`
}

// WorkflowStep is a single tool invocation within a workflow.
type WorkflowStep struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"toolName"`
	Args        map[string]any  `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"errorCode,omitempty"`
	Duration    int64           `json:"duration,omitempty"` // milliseconds
	Options     *StepOptions    `json:"options,omitempty"`
}

// ExecutionMode hints how the generation back-end should run a step.
type ExecutionMode string

const (
	ExecutionModeAsync ExecutionMode = "async"
	ExecutionModeQueue ExecutionMode = "queue"
)

// StepOptions carries execution hints and batch metadata for progress display.
type StepOptions struct {
	Mode        ExecutionMode `json:"mode,omitempty"`
	BatchID     string        `json:"batchId,omitempty"`
	BatchIndex  int           `json:"batchIndex,omitempty"`
	BatchTotal  int           `json:"batchTotal,omitempty"`
	GlobalIndex int           `json:"globalIndex,omitempty"`
	// When is a CEL guard evaluated right before the step starts. A false
	// result marks the step skipped.
	When string `json:"when,omitempty"`
}

// GenerationType is the kind of content a request asks for.
type GenerationType string

const (
	GenerationTypeImage   GenerationType = "image"
	GenerationTypeVideo   GenerationType = "video"
	GenerationTypeAnalyze GenerationType = "analyze"
)

// ReferenceMedia is an image or video the user attached to a request.
type ReferenceMedia struct {
	URL      string `json:"url"`
	Kind     string `json:"kind,omitempty"` // image | video
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// GenerationRequest is the parsed request produced by the input panels.
type GenerationRequest struct {
	GenerationType  GenerationType   `json:"generationType"`
	ModelID         string           `json:"modelId"`
	Prompt          string           `json:"prompt"`
	Count           int              `json:"count"`
	Size            string           `json:"size,omitempty"`
	Duration        string           `json:"duration,omitempty"`
	ReferenceMedia  []ReferenceMedia `json:"referenceMedia,omitempty"`
	UserInstruction string           `json:"userInstruction,omitempty"`
	RawInput        string           `json:"rawInput,omitempty"`
	SurfaceID       string           `json:"surfaceId,omitempty"`
}

// WorkflowContext is the persisted snapshot of the originating request.
type WorkflowContext struct {
	UserInstruction string           `json:"userInstruction,omitempty"`
	RawInput        string           `json:"rawInput,omitempty"`
	GenerationType  GenerationType   `json:"generationType,omitempty"`
	ModelID         string           `json:"modelId,omitempty"`
	Params          map[string]any   `json:"params,omitempty"`
	ReferenceMedia  []ReferenceMedia `json:"referenceMedia,omitempty"`
	FinalPrompt     string           `json:"finalPrompt,omitempty"`
	SurfaceID       string           `json:"surfaceId,omitempty"`
	RetryOf         string           `json:"retryOf,omitempty"`
}

// RetryContext holds everything needed to submit an equivalent workflow.
// It is derived from a WorkflowContext and never stored on its own.
type RetryContext struct {
	RawInput        string           `json:"rawInput"`
	UserInstruction string           `json:"userInstruction,omitempty"`
	GenerationType  GenerationType   `json:"generationType"`
	ModelID         string           `json:"modelId"`
	Params          map[string]any   `json:"params,omitempty"`
	ReferenceMedia  []ReferenceMedia `json:"referenceMedia,omitempty"`
	Prompt          string           `json:"prompt"`
	SurfaceID       string           `json:"surfaceId,omitempty"`
}

// RetryContext derives the retry snapshot from the persisted context.
func (c *WorkflowContext) RetryContext() *RetryContext {
	if c == nil {
		return nil
	}
	rc := &RetryContext{
		RawInput:        c.RawInput,
		UserInstruction: c.UserInstruction,
		GenerationType:  c.GenerationType,
		ModelID:         c.ModelID,
		Prompt:          c.FinalPrompt,
		SurfaceID:       c.SurfaceID,
		ReferenceMedia:  append([]ReferenceMedia(nil), c.ReferenceMedia...),
	}
	if len(c.Params) > 0 {
		rc.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			rc.Params[k] = v
		}
	}
	return rc
}

// Request rebuilds a parsed generation request from the retry snapshot.
func (r *RetryContext) Request() GenerationRequest {
	req := GenerationRequest{
		GenerationType:  r.GenerationType,
		ModelID:         r.ModelID,
		Prompt:          r.Prompt,
		Count:           1,
		ReferenceMedia:  append([]ReferenceMedia(nil), r.ReferenceMedia...),
		UserInstruction: r.UserInstruction,
		RawInput:        r.RawInput,
		SurfaceID:       r.SurfaceID,
	}
	if n, ok := numberParam(r.Params, "count"); ok && n > 0 {
		req.Count = n
	}
	if s, ok := r.Params["size"].(string); ok {
		req.Size = s
	}
	if s, ok := r.Params["duration"].(string); ok {
		req.Duration = s
	}
	return req
}

func numberParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Clone returns a deep copy. Args and params are normalized to their JSON
// representation, so a clone looks the same whether it was produced locally
// or decoded from a message.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(w)
	if err == nil {
		cp := &Workflow{}
		if err := json.Unmarshal(data, cp); err == nil {
			return cp
		}
	}
	cp := *w
	cp.Steps = make([]*WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	if w.Context != nil {
		c := *w.Context
		cp.Context = &c
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Clone returns a copy of the step. Args are copied one level deep.
func (s *WorkflowStep) Clone() *WorkflowStep {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Args != nil {
		cp.Args = make(map[string]any, len(s.Args))
		for k, v := range s.Args {
			cp.Args[k] = v
		}
	}
	if s.Result != nil {
		cp.Result = append(json.RawMessage(nil), s.Result...)
	}
	if s.Options != nil {
		o := *s.Options
		cp.Options = &o
	}
	return &cp
}

// StepByID returns the step with the given id and its index, or nil and -1.
func (w *Workflow) StepByID(id string) (*WorkflowStep, int) {
	for i, s := range w.Steps {
		if s.ID == id {
			return s, i
		}
	}
	return nil, -1
}

// NextPending returns the index of the first pending step, or -1.
func (w *Workflow) NextPending() int {
	for i, s := range w.Steps {
		if s.Status == StepStatusPending {
			return i
		}
	}
	return -1
}

// SurfaceID returns the originating surface, or "" if unknown.
func (w *Workflow) SurfaceID() string {
	if w.Context == nil {
		return ""
	}
	return w.Context.SurfaceID
}

// DeriveStatus computes the workflow status implied by its steps:
// failed if any step failed, completed if every step is completed or skipped
// and at least one exists, running otherwise.
func DeriveStatus(steps []*WorkflowStep) WorkflowStatus {
	if len(steps) == 0 {
		return WorkflowStatusRunning
	}
	allTerminal := true
	for _, s := range steps {
		switch s.Status {
		case StepStatusFailed:
			return WorkflowStatusFailed
		case StepStatusCompleted, StepStatusSkipped:
		default:
			allTerminal = false
		}
	}
	if allTerminal {
		return WorkflowStatusCompleted
	}
	return WorkflowStatusRunning
}
