package executors

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/genflow/internal/expressions"
	"github.com/rendis/genflow/internal/generation"
	"github.com/rendis/genflow/internal/validation"
	"github.com/rendis/genflow/pkg/schema"
)

// DefaultPlanQuery selects the follow-up step definitions from a plan.
const DefaultPlanQuery = `(.steps // .nextSteps // []) | .[]`

const analyzeSystemPrompt = `You plan follow-up work for a whiteboard generation job.
Reply with a single JSON object: {"summary": string, "steps": [{"toolName": string, "args": object, "description": string}]}.
Available tools: generate_image, generate_video, insert_mindmap, insert_to_canvas. Use an empty steps list when nothing else is needed.`

// AnalyzeExecutor asks the model for a plan and turns it into added steps.
type AnalyzeExecutor struct {
	gen       Generator
	jq        *expressions.GoJQEngine
	validator *validation.Validator
	query     string
}

// NewAnalyzeExecutor returns the ai_analyze tool. An empty query uses
// DefaultPlanQuery.
func NewAnalyzeExecutor(gen Generator, jq *expressions.GoJQEngine, v *validation.Validator, query string) *AnalyzeExecutor {
	if query == "" {
		query = DefaultPlanQuery
	}
	return &AnalyzeExecutor{gen: gen, jq: jq, validator: v, query: query}
}

func (a *AnalyzeExecutor) Name() string     { return ToolAnalyze }
func (a *AnalyzeExecutor) Foreground() bool { return false }

// AnalyzeResult is the step result of ai_analyze.
type AnalyzeResult struct {
	Summary    string `json:"summary,omitempty"`
	AddedSteps int    `json:"addedSteps"`
	Model      string `json:"model"`
}

func (a *AnalyzeExecutor) Execute(ctx context.Context, in StepInput) (*StepOutput, error) {
	req := generation.Request{
		Kind:      schema.GenerationTypeAnalyze,
		System:    analyzeSystemPrompt,
		Prompt:    argString(in.Args, "prompt"),
		Model:     argString(in.Args, "model"),
		Reference: argMedia(in.Args, "referenceMedia"),
	}
	if req.Prompt == "" && in.Context != nil {
		req.Prompt = in.Context.FinalPrompt
	}
	if req.Reference == nil && in.Context != nil {
		req.Reference = in.Context.ReferenceMedia
	}

	res, err := a.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	plan, err := decodePlan(res.Raw())
	if err != nil {
		return nil, err
	}
	defs, err := a.jq.Query(ctx, a.query, plan)
	if err != nil {
		return nil, err
	}
	steps, err := a.validator.DecodeSteps(defs)
	if err != nil {
		return nil, err
	}

	summary, _ := plan["summary"].(string)
	out, err := JSONResult(AnalyzeResult{Summary: summary, AddedSteps: len(steps), Model: res.Model})
	if err != nil {
		return nil, err
	}
	out.AddSteps = steps
	return out, nil
}

// decodePlan finds the JSON object in a model reply, tolerating code fences
// and surrounding prose.
func decodePlan(content string) (map[string]any, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, schema.NewError(schema.ErrCodeExecution, "analysis reply contains no JSON plan")
	}
	var plan map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &plan); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "analysis reply is not valid JSON").WithCause(err)
	}
	return plan, nil
}
