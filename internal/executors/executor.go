// Package executors holds the tools a workflow step can invoke.
package executors

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/genflow/pkg/schema"
)

// Executor runs one tool. Foreground executors can only run in the context
// that owns the canvas; the engine hands them off when it runs elsewhere.
type Executor interface {
	Name() string
	Foreground() bool
	Execute(ctx context.Context, in StepInput) (*StepOutput, error)
}

// StepInput is what a tool sees of the step and its workflow.
type StepInput struct {
	WorkflowID string                  `json:"workflowId"`
	StepID     string                  `json:"stepId"`
	Args       map[string]any          `json:"args,omitempty"`
	Options    *schema.StepOptions     `json:"options,omitempty"`
	Context    *schema.WorkflowContext `json:"context,omitempty"`
}

// StepOutput is a successful tool result. AddSteps, when present, are
// appended to the workflow after this step.
type StepOutput struct {
	Result   json.RawMessage        `json:"result,omitempty"`
	AddSteps []*schema.WorkflowStep `json:"addSteps,omitempty"`
}

// Registry is a thread-safe name to executor map.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register adds an executor. Duplicate names are rejected.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	name := e.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.execs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", name)
	}
	r.execs[name] = e
	return nil
}

// MustRegister registers every executor and panics on the first error.
// Meant for process wiring.
func (r *Registry) MustRegister(es ...Executor) *Registry {
	for _, e := range es {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the executor for name or a TOOL_NOT_FOUND error.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q is not registered", name)
	}
	return e, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.execs[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.execs))
	for n := range r.execs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// FuncExecutor adapts a function to Executor.
type FuncExecutor struct {
	ToolName       string
	ForegroundOnly bool
	Fn             func(ctx context.Context, in StepInput) (*StepOutput, error)
}

func (f *FuncExecutor) Name() string     { return f.ToolName }
func (f *FuncExecutor) Foreground() bool { return f.ForegroundOnly }

func (f *FuncExecutor) Execute(ctx context.Context, in StepInput) (*StepOutput, error) {
	return f.Fn(ctx, in)
}

// JSONResult marshals v into a StepOutput.
func JSONResult(v any) (*StepOutput, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to encode result").WithCause(err)
	}
	return &StepOutput{Result: b}, nil
}
