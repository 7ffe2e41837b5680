package background

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/internal/rpc"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// Client is the foreground's handle on the background worker. Every call is
// bounded by the caller's ctx. Forwarded events are republished on the
// foreground hub unchanged.
type Client struct {
	peer   *rpc.Peer
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewClient registers the event handler on peer.
func NewClient(peer *rpc.Peer, hub streaming.EventHub, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Client{peer: peer, hub: hub, logger: logger}
	peer.Handle(MethodEvent, c.onEvent)
	return c
}

func (c *Client) onEvent(ctx context.Context, raw json.RawMessage) (any, error) {
	var ev schema.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid forwarded event").WithCause(err)
	}
	return nil, c.hub.Publish(ctx, ev)
}

func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var res PingResult
	if err := c.peer.Call(ctx, MethodPing, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Submit(ctx context.Context, wf *schema.Workflow) error {
	return c.peer.Call(ctx, MethodSubmit, workflowParams{Workflow: wf}, nil)
}

func (c *Client) Resume(ctx context.Context, wf *schema.Workflow) error {
	return c.peer.Call(ctx, MethodResume, workflowParams{Workflow: wf}, nil)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.peer.Call(ctx, MethodCancel, idParams{ID: id}, nil)
}

func (c *Client) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := c.peer.Call(ctx, MethodGet, idParams{ID: id}, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Active lists the workflows the background engine owns.
func (c *Client) Active(ctx context.Context) ([]string, error) {
	var res activeResult
	if err := c.peer.Call(ctx, MethodActive, nil, &res); err != nil {
		return nil, err
	}
	return res.IDs, nil
}
