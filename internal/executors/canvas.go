package executors

import (
	"context"
	"encoding/json"

	"github.com/rendis/genflow/pkg/schema"
)

// Canvas operations understood by a Canvas implementation.
const (
	OpInsertMindmap = "insert_mindmap"
	OpInsertMedia   = "insert_media"
)

// Canvas is the foreground surface that owns the board.
type Canvas interface {
	Apply(ctx context.Context, op string, params map[string]any) (json.RawMessage, error)
}

// CanvasExecutor is a foreground-only tool that forwards its args to the
// canvas as one operation.
type CanvasExecutor struct {
	name   string
	op     string
	canvas Canvas
}

// NewInsertMindmapExecutor returns insert_mindmap. It requires a "content"
// or "markdown" argument.
func NewInsertMindmapExecutor(c Canvas) *CanvasExecutor {
	return &CanvasExecutor{name: ToolInsertMindmap, op: OpInsertMindmap, canvas: c}
}

// NewInsertToCanvasExecutor returns insert_to_canvas. It requires a "urls"
// or "assets" argument.
func NewInsertToCanvasExecutor(c Canvas) *CanvasExecutor {
	return &CanvasExecutor{name: ToolInsertToCanvas, op: OpInsertMedia, canvas: c}
}

func (c *CanvasExecutor) Name() string     { return c.name }
func (c *CanvasExecutor) Foreground() bool { return true }

func (c *CanvasExecutor) Execute(ctx context.Context, in StepInput) (*StepOutput, error) {
	if c.canvas == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnavailable, "%s needs a canvas", c.name)
	}
	params := make(map[string]any, len(in.Args)+1)
	for k, v := range in.Args {
		params[k] = v
	}
	switch c.op {
	case OpInsertMindmap:
		if argString(in.Args, "content") == "" && argString(in.Args, "markdown") == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "insert_mindmap requires content")
		}
	case OpInsertMedia:
		if len(argStrings(in.Args, "urls")) == 0 && in.Args["assets"] == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "insert_to_canvas requires urls or assets")
		}
	}
	if in.Context != nil && in.Context.SurfaceID != "" {
		params["surfaceId"] = in.Context.SurfaceID
	}

	res, err := c.canvas.Apply(ctx, c.op, params)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		res = json.RawMessage(`{"inserted":true}`)
	}
	return &StepOutput{Result: res}, nil
}
