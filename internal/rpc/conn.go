// Package rpc carries request/response and notification messages between
// the two execution contexts over an asynchronous connection.
package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/genflow/pkg/schema"
)

// Message kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindNotify   = "notify"
)

// Message is the unit exchanged over a Conn.
type Message struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is an error as it travels across the connection.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) toError() error {
	return schema.NewError(e.Code, e.Message)
}

func toWireError(err error) *WireError {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	return &WireError{Code: code, Message: schema.MessageOf(err)}
}

// Conn is one end of a message connection. Messages are delivered in the
// order they were sent. Done is closed once the connection is down, from
// either side.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Messages() <-chan Message
	Done() <-chan struct{}
	Close() error
}

const pipeBuffer = 256

// pipe is the shared state of an in-process connection pair.
type pipe struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	p    *pipe
	in   chan Message
	peer *pipeEnd
}

// Pipe returns two connected in-process ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	p := &pipe{done: make(chan struct{})}
	a := &pipeEnd{p: p, in: make(chan Message, pipeBuffer)}
	b := &pipeEnd{p: p, in: make(chan Message, pipeBuffer)}
	a.peer, b.peer = b, a
	return a, b
}

func (e *pipeEnd) Send(ctx context.Context, m Message) error {
	// Serialize so the receiver never shares memory with the sender.
	data, err := json.Marshal(m)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode message").WithCause(err)
	}
	var cp Message
	if err := json.Unmarshal(data, &cp); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode message").WithCause(err)
	}

	select {
	case <-e.p.done:
		return closedErr()
	default:
	}
	select {
	case e.peer.in <- cp:
		return nil
	case <-e.p.done:
		return closedErr()
	case <-ctx.Done():
		return ctxError(ctx.Err())
	}
}

func (e *pipeEnd) Messages() <-chan Message { return e.in }
func (e *pipeEnd) Done() <-chan struct{}    { return e.p.done }

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}

func closedErr() error {
	return schema.NewError(schema.ErrCodeUnavailable, "connection closed")
}

// ctxError maps a context error onto a FlowError code.
func ctxError(err error) error {
	if err == context.DeadlineExceeded {
		return schema.NewError(schema.ErrCodeTimeout, "request timed out").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "request cancelled").WithCause(err)
}
