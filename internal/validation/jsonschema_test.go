package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genflow/pkg/schema"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestValidateRequest(t *testing.T) {
	v := newValidator(t)

	ok := schema.GenerationRequest{GenerationType: schema.GenerationTypeImage, Prompt: "a cat", Count: 2}
	require.NoError(t, v.ValidateRequest(ok))

	cases := map[string]schema.GenerationRequest{
		"empty prompt": {GenerationType: schema.GenerationTypeImage, Prompt: ""},
		"bad type":     {GenerationType: "audio", Prompt: "x"},
		"count high":   {GenerationType: schema.GenerationTypeVideo, Prompt: "x", Count: 100},
		"media no url": {GenerationType: schema.GenerationTypeImage, Prompt: "x", ReferenceMedia: []schema.ReferenceMedia{{Kind: "image"}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.ValidateRequest(req)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestDecodeSteps(t *testing.T) {
	v := newValidator(t)

	steps, err := v.DecodeSteps([]any{
		map[string]any{"toolName": "generate_image", "args": map[string]any{"prompt": "p"}},
		map[string]any{"id": "x", "toolName": "insert_mindmap", "status": "completed", "options": map[string]any{"when": "true"}},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "generate_image", steps[0].ToolName)
	assert.Equal(t, "p", steps[0].Args["prompt"])
	assert.Equal(t, schema.StepStatusPending, steps[1].Status, "incoming status is reset")
	assert.Equal(t, "true", steps[1].Options.When)
}

func TestDecodeStepsRejectsInvalid(t *testing.T) {
	v := newValidator(t)

	_, err := v.DecodeSteps([]any{map[string]any{"args": map[string]any{}}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "step definition 0")

	_, err = v.DecodeSteps([]any{map[string]any{"toolName": "t", "options": map[string]any{"mode": "sync"}}})
	require.Error(t, err)
}
