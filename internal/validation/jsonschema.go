// Package validation checks generation requests and dynamically added step
// definitions against JSON Schemas.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/genflow/pkg/schema"
)

const (
	requestSchemaURL = "https://genflow.dev/schemas/request.json"
	stepSchemaURL    = "https://genflow.dev/schemas/step.json"
)

const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["generationType", "prompt"],
  "properties": {
    "generationType": { "type": "string", "enum": ["image", "video", "analyze"] },
    "modelId": { "type": "string" },
    "prompt": { "type": "string", "minLength": 1 },
    "count": { "type": "integer", "minimum": 0, "maximum": 16 },
    "size": { "type": "string" },
    "duration": { "type": "string" },
    "referenceMedia": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": { "type": "string", "minLength": 1 },
          "kind": { "type": "string", "enum": ["image", "video"] }
        }
      }
    }
  }
}`

// stepSchemaJSON describes one step definition returned by a tool as
// "steps to add next".
const stepSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["toolName"],
  "properties": {
    "id": { "type": "string" },
    "toolName": { "type": "string", "minLength": 1 },
    "args": { "type": "object" },
    "description": { "type": "string" },
    "options": {
      "type": "object",
      "properties": {
        "mode": { "type": "string", "enum": ["async", "queue"] },
        "batchId": { "type": "string" },
        "batchIndex": { "type": "integer", "minimum": 0 },
        "batchTotal": { "type": "integer", "minimum": 0 },
        "globalIndex": { "type": "integer", "minimum": 0 },
        "when": { "type": "string" }
      }
    }
  }
}`

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	request *jsonschema.Schema
	step    *jsonschema.Schema
}

// New compiles the request and step schemas.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{requestSchemaURL: requestSchemaJSON, stepSchemaURL: stepSchemaJSON} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}

	req, err := c.Compile(requestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	step, err := c.Compile(stepSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile step schema: %w", err)
	}
	return &Validator{request: req, step: step}, nil
}

// ValidateRequest checks a parsed generation request.
func (v *Validator) ValidateRequest(req schema.GenerationRequest) error {
	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize request").WithCause(err)
	}
	if err := v.request.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateStep checks a single step definition given as decoded JSON.
func (v *Validator) ValidateStep(def any) error {
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize step").WithCause(err)
	}
	if err := v.step.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// DecodeSteps validates each definition and converts it into a pending step.
// Ids are left as given; the engine assigns missing or colliding ones.
func (v *Validator) DecodeSteps(defs []any) ([]*schema.WorkflowStep, error) {
	steps := make([]*schema.WorkflowStep, 0, len(defs))
	for i, d := range defs {
		if err := v.ValidateStep(d); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step definition %d: %s", i, schema.MessageOf(err)).WithCause(err)
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize step").WithCause(err)
		}
		s := &schema.WorkflowStep{}
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step definition %d: %s", i, err).WithCause(err)
		}
		s.Status = schema.StepStatusPending
		s.Result, s.Error, s.ErrorCode, s.Duration = nil, "", "", 0
		steps = append(steps, s)
	}
	return steps, nil
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the schema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens the error tree into "location: message" leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}
