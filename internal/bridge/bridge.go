// Package bridge lets engine code running in the background context invoke
// foreground-only tools and canvas inserts.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/rpc"
	"github.com/rendis/genflow/pkg/schema"
)

// Methods carried over the connection.
const (
	MethodTool   = "foreground.tool"
	MethodInsert = "canvas.insert"
	MethodAttach = "foreground.attach"
	MethodDetach = "foreground.detach"
)

// ToolRequest asks the foreground to run one tool.
type ToolRequest struct {
	RequestID  string                  `json:"requestId"`
	WorkflowID string                  `json:"workflowId"`
	StepID     string                  `json:"stepId"`
	Tool       string                  `json:"tool"`
	Args       map[string]any          `json:"args,omitempty"`
	Options    *schema.StepOptions     `json:"options,omitempty"`
	Context    *schema.WorkflowContext `json:"context,omitempty"`
}

// ToolResponse is the foreground's answer. A tool failure is a successful
// exchange with Success false.
type ToolResponse struct {
	Success   bool                   `json:"success"`
	Result    json.RawMessage        `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode string                 `json:"errorCode,omitempty"`
	AddSteps  []*schema.WorkflowStep `json:"addSteps,omitempty"`
}

// InsertRequest is a canvas insert.
type InsertRequest struct {
	RequestID string         `json:"requestId"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// Inserter places generated content on the canvas.
type Inserter interface {
	Insert(ctx context.Context, op string, params map[string]any) error
}

// Requester is the background side of the bridge.
type Requester struct {
	peer     *rpc.Peer
	logger   *slog.Logger
	attached atomic.Bool
	onChange func(attached bool)
}

// NewRequester registers the attach/detach handlers on peer.
func NewRequester(peer *rpc.Peer, logger *slog.Logger) *Requester {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Requester{peer: peer, logger: logger}
	peer.Handle(MethodAttach, func(context.Context, json.RawMessage) (any, error) {
		r.setAttached(true)
		return nil, nil
	})
	peer.Handle(MethodDetach, func(context.Context, json.RawMessage) (any, error) {
		r.setAttached(false)
		return nil, nil
	})
	go func() {
		<-peer.Done()
		r.setAttached(false)
	}()
	return r
}

// OnAttachChange sets a callback for attach state changes. Set it before the
// peer starts.
func (r *Requester) OnAttachChange(fn func(attached bool)) { r.onChange = fn }

func (r *Requester) setAttached(v bool) {
	if r.attached.Swap(v) != v && r.onChange != nil {
		r.onChange(v)
	}
}

// Attached reports whether a foreground is currently attached.
func (r *Requester) Attached() bool { return r.attached.Load() }

// RequestForegroundTool runs a tool in the foreground. It fails with
// UNAVAILABLE when no foreground is attached; the caller bounds the wait
// through ctx.
func (r *Requester) RequestForegroundTool(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	if !r.Attached() {
		return nil, schema.NewErrorf(schema.ErrCodeUnavailable, "no foreground attached for tool %q", req.Tool)
	}
	if req.RequestID == "" {
		req.RequestID = requestID(ctx)
	}
	var resp ToolResponse
	if err := r.peer.Call(ctx, MethodTool, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Insert asks the foreground to apply a canvas operation and waits for the
// acknowledgement.
func (r *Requester) Insert(ctx context.Context, op string, params map[string]any) error {
	if !r.Attached() {
		return schema.NewError(schema.ErrCodeUnavailable, "no foreground attached for canvas insert")
	}
	return r.peer.Call(ctx, MethodInsert, InsertRequest{RequestID: requestID(ctx), Operation: op, Params: params}, nil)
}

// requestID reuses the id of the request being served, if any, so a canvas
// insert can be traced to the tool call that caused it.
func requestID(ctx context.Context) string {
	if id := logging.RequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// AsyncInserter runs inserts in the background with their own timeout and
// only logs the outcome, so callers are never held up by the canvas.
type AsyncInserter struct {
	Inner   Inserter
	Timeout time.Duration
	Logger  *slog.Logger
}

func (a *AsyncInserter) Insert(ctx context.Context, op string, params map[string]any) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	// Keep correlation values but drop the caller's cancellation.
	bg := context.WithoutCancel(ctx)
	go func() {
		ictx, cancel := context.WithTimeout(bg, timeout)
		defer cancel()
		if err := a.Inner.Insert(ictx, op, params); err != nil {
			logger.WarnContext(ictx, "canvas insert failed", "operation", op, "error", err)
		}
	}()
	return nil
}
