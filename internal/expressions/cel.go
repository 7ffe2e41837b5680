package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/genflow/pkg/schema"
)

// guardVars are the top-level variables visible to a guard:
//   - steps:    step id -> {status, result, error}
//   - context:  the workflow's request snapshot
//   - workflow: {id, name, stepIndex, stepCount}
var guardVars = []string{"steps", "context", "workflow"}

// CELEngine evaluates CEL expressions. Compiled programs are cached and
// shared across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with the guard environment.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(guardVars))
	for _, v := range guardVars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Missing variables default to
// empty maps.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(guardVars))
	for _, k := range guardVars {
		if v, ok := data[k]; ok && v != nil {
			activation[k] = v
		} else {
			activation[k] = map[string]any{}
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "CEL evaluation failed for %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// Guard evaluates a boolean guard. A non-boolean result is a validation error.
func (e *CELEngine) Guard(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "guard %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// Check compiles expression without evaluating it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL compile error in %q: %s", expression, issues.Err()).
			WithCause(issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL program error for %q: %s", expression, err).
			WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
