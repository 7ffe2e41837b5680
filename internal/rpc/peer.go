package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/pkg/schema"
)

// Handler serves one method. For notifications the result is discarded.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Peer adds correlation-id calls, notifications and method dispatch on top
// of a Conn. Requests are served concurrently; notifications are served one
// at a time in arrival order.
type Peer struct {
	conn   Conn
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan Message
	handlers map[string]Handler

	baseCtx context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPeer wraps conn. Call Start to begin reading.
func NewPeer(conn Conn, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan Message),
		handlers: make(map[string]Handler),
		baseCtx:  ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// Handle registers h for method, replacing any previous handler.
func (p *Peer) Handle(method string, h Handler) {
	p.mu.Lock()
	p.handlers[method] = h
	p.mu.Unlock()
}

// Start launches the read loop. It stops when the connection goes down or
// Close is called.
func (p *Peer) Start() {
	go p.readLoop()
}

// Done is closed once the read loop has stopped.
func (p *Peer) Done() <-chan struct{} { return p.stopped }

// Close closes the connection and fails every pending call with UNAVAILABLE.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Call sends a request and waits for its response. The caller bounds the
// wait through ctx. A closed connection fails with UNAVAILABLE, an expired
// ctx with TIMEOUT_ERROR. When out is non-nil the result is decoded into it.
func (p *Peer) Call(ctx context.Context, method string, params, out any) error {
	raw, err := encode(params)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer p.forget(id)

	select {
	case <-p.stopped:
		return closedErr()
	default:
	}
	if err := p.conn.Send(ctx, Message{Kind: KindRequest, ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.toError()
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "decode %s result: %v", method, err).WithCause(err)
			}
		}
		return nil
	case <-p.stopped:
		return closedErr()
	case <-ctx.Done():
		return ctxError(ctx.Err())
	}
}

// Notify sends a fire-and-forget message.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	raw, err := encode(params)
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, Message{Kind: KindNotify, Method: method, Params: raw})
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Peer) readLoop() {
	defer close(p.stopped)
	defer p.cancel()
	for {
		select {
		case <-p.conn.Done():
			return
		case m := <-p.conn.Messages():
			p.dispatch(m)
		}
	}
}

func (p *Peer) dispatch(m Message) {
	switch m.Kind {
	case KindResponse:
		p.mu.Lock()
		ch, ok := p.pending[m.ID]
		// At most one response is delivered per call.
		delete(p.pending, m.ID)
		p.mu.Unlock()
		if ok {
			ch <- m
		}
	case KindNotify:
		h := p.handler(m.Method)
		if h == nil {
			p.logger.Debug("no handler for notification", "method", m.Method)
			return
		}
		if _, err := h(p.baseCtx, m.Params); err != nil {
			p.logger.Warn("notification handler failed", "method", m.Method, "error", err)
		}
	case KindRequest:
		go p.serve(m)
	}
}

func (p *Peer) serve(m Message) {
	resp := Message{Kind: KindResponse, ID: m.ID}
	h := p.handler(m.Method)
	if h == nil {
		resp.Error = &WireError{Code: schema.ErrCodeNotFound, Message: "no handler for " + m.Method}
	} else if result, err := h(p.baseCtx, m.Params); err != nil {
		resp.Error = toWireError(err)
	} else if raw, err := encode(result); err != nil {
		resp.Error = toWireError(err)
	} else {
		resp.Result = raw
	}
	if err := p.conn.Send(p.baseCtx, resp); err != nil {
		p.logger.Debug("response not delivered", "method", m.Method, "error", err)
	}
}

func (p *Peer) handler(method string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[method]
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode payload").WithCause(err)
	}
	return b, nil
}
