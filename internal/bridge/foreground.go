package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/rpc"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// Foreground is the foreground side of the bridge: it answers tool requests
// with the local registry and canvas inserts with the local Inserter.
type Foreground struct {
	peer     *rpc.Peer
	registry *executors.Registry
	inserter Inserter
	logger   *slog.Logger
}

// NewForeground registers the request handlers on peer.
func NewForeground(peer *rpc.Peer, registry *executors.Registry, inserter Inserter, logger *slog.Logger) *Foreground {
	if logger == nil {
		logger = logging.Discard()
	}
	f := &Foreground{peer: peer, registry: registry, inserter: inserter, logger: logger}
	peer.Handle(MethodTool, f.handleTool)
	peer.Handle(MethodInsert, f.handleInsert)
	return f
}

// Attach announces that this foreground can serve requests.
func (f *Foreground) Attach(ctx context.Context) error {
	return f.peer.Notify(ctx, MethodAttach, nil)
}

// Detach announces that the foreground is going away.
func (f *Foreground) Detach(ctx context.Context) error {
	return f.peer.Notify(ctx, MethodDetach, nil)
}

func (f *Foreground) handleTool(ctx context.Context, params json.RawMessage) (any, error) {
	var req ToolRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid tool request").WithCause(err)
	}
	ctx = logging.WithStepID(logging.WithWorkflowID(logging.WithRole(ctx, "foreground"), req.WorkflowID), req.StepID)
	if req.RequestID != "" {
		ctx = logging.WithRequestID(ctx, req.RequestID)
	}

	exec, err := f.registry.Get(req.Tool)
	if err != nil {
		return failed(err), nil
	}
	out, err := f.execute(ctx, req.Tool, exec, executors.StepInput{
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		Args:       req.Args,
		Options:    req.Options,
		Context:    req.Context,
	})
	if err != nil {
		f.logger.InfoContext(ctx, "foreground tool failed", "tool", req.Tool, "error", err)
		return failed(err), nil
	}
	if out == nil {
		out = &executors.StepOutput{}
	}
	return &ToolResponse{Success: true, Result: out.Result, AddSteps: out.AddSteps}, nil
}

// execute runs a tool for the background. A panicking tool fails its step
// instead of taking down the peer.
func (f *Foreground) execute(ctx context.Context, tool string, exec executors.Executor, in executors.StepInput) (out *executors.StepOutput, err error) {
	defer func() {
		if v := recover(); v != nil {
			f.logger.ErrorContext(ctx, "foreground tool panicked", "tool", tool, "panic", v)
			out, err = nil, schema.NewErrorf(schema.ErrCodeExecution, "tool %s panicked: %v", tool, v)
		}
	}()
	return exec.Execute(ctx, in)
}

func (f *Foreground) handleInsert(ctx context.Context, params json.RawMessage) (any, error) {
	var req InsertRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid insert request").WithCause(err)
	}
	if f.inserter == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no canvas inserter")
	}
	if req.RequestID != "" {
		ctx = logging.WithRequestID(ctx, req.RequestID)
	}
	if err := f.inserter.Insert(ctx, req.Operation, req.Params); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func failed(err error) *ToolResponse {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	return &ToolResponse{Success: false, Error: schema.MessageOf(err), ErrorCode: code}
}

// HubInserter publishes canvas_insert events for the page to apply.
type HubInserter struct {
	Hub streaming.EventHub
}

// Insert publishes the operation. Params are passed through JSON so local
// and forwarded inserts look the same to subscribers.
func (h *HubInserter) Insert(ctx context.Context, op string, params map[string]any) error {
	var norm map[string]any
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "canvas insert params are not JSON").WithCause(err)
		}
		if err := json.Unmarshal(b, &norm); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "canvas insert params are not JSON").WithCause(err)
		}
	}
	return h.Hub.Publish(ctx, schema.Event{
		Type:      schema.EventCanvasInsert,
		RequestID: requestID(ctx),
		Operation: op,
		Params:    norm,
	})
}

// Apply lets the foreground canvas tools run against the hub directly.
func (h *HubInserter) Apply(ctx context.Context, op string, params map[string]any) (json.RawMessage, error) {
	if err := h.Insert(ctx, op, params); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"inserted":true}`), nil
}
