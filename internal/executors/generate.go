package executors

import (
	"context"

	"github.com/rendis/genflow/internal/generation"
	"github.com/rendis/genflow/pkg/schema"
)

// Generator is the generation back-end contract.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
}

// Tool names of the built-in executors.
const (
	ToolGenerateImage  = "generate_image"
	ToolGenerateVideo  = "generate_video"
	ToolAnalyze        = "ai_analyze"
	ToolInsertMindmap  = "insert_mindmap"
	ToolInsertToCanvas = "insert_to_canvas"
)

// GenerateResult is the step result of generate_image and generate_video.
type GenerateResult struct {
	Kind     schema.GenerationType `json:"kind"`
	Model    string                `json:"model"`
	Prompt   string                `json:"prompt"`
	Assets   []generation.Asset    `json:"assets"`
	Text     string                `json:"text,omitempty"`
	Attempts int                   `json:"attempts"`
}

// GenerateExecutor produces images or videos.
type GenerateExecutor struct {
	kind schema.GenerationType
	gen  Generator
}

// NewImageExecutor returns the generate_image tool.
func NewImageExecutor(gen Generator) *GenerateExecutor {
	return &GenerateExecutor{kind: schema.GenerationTypeImage, gen: gen}
}

// NewVideoExecutor returns the generate_video tool.
func NewVideoExecutor(gen Generator) *GenerateExecutor {
	return &GenerateExecutor{kind: schema.GenerationTypeVideo, gen: gen}
}

func (g *GenerateExecutor) Name() string {
	if g.kind == schema.GenerationTypeVideo {
		return ToolGenerateVideo
	}
	return ToolGenerateImage
}

func (g *GenerateExecutor) Foreground() bool { return false }

// Execute reads prompt, model, size, duration and referenceMedia from the
// step args, falling back to the workflow context for anything missing.
func (g *GenerateExecutor) Execute(ctx context.Context, in StepInput) (*StepOutput, error) {
	req := generation.Request{
		Kind:      g.kind,
		Prompt:    argString(in.Args, "prompt"),
		Model:     argString(in.Args, "model"),
		Size:      argString(in.Args, "size"),
		Duration:  argString(in.Args, "duration"),
		Reference: argMedia(in.Args, "referenceMedia"),
	}
	if c := in.Context; c != nil {
		if req.Prompt == "" {
			req.Prompt = c.FinalPrompt
		}
		if req.Model == "" {
			req.Model = c.ModelID
		}
		if req.Reference == nil {
			req.Reference = c.ReferenceMedia
		}
	}

	res, err := g.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(res.Assets) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "model returned no %s", g.kind).
			WithDetails(map[string]any{"text": res.Text})
	}
	return JSONResult(GenerateResult{
		Kind:     g.kind,
		Model:    res.Model,
		Prompt:   req.Prompt,
		Assets:   res.Assets,
		Text:     res.Text,
		Attempts: res.Attempts,
	})
}
