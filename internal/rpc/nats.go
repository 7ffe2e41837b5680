package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/rendis/genflow/pkg/schema"
)

// NATSConn is a Conn over two NATS subjects: it publishes on out and
// receives on in. The other side uses the same subjects swapped.
type NATSConn struct {
	nc   *nats.Conn
	out  string
	sub  *nats.Subscription
	in   chan Message
	done chan struct{}
	once sync.Once
}

// Subjects returns the subject pair for a channel name as seen from the
// background ("bg") and foreground ("fg") sides.
func Subjects(prefix, channel string) (toForeground, toBackground string) {
	return fmt.Sprintf("%s.%s.fg", prefix, channel), fmt.Sprintf("%s.%s.bg", prefix, channel)
}

// NewNATSConn subscribes to in and returns a connection publishing to out.
// The nats.Conn is owned by the caller.
func NewNATSConn(nc *nats.Conn, in, out string) (*NATSConn, error) {
	c := &NATSConn{
		nc:   nc,
		out:  out,
		in:   make(chan Message, pipeBuffer),
		done: make(chan struct{}),
	}
	sub, err := nc.Subscribe(in, c.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", in, err)
	}
	c.sub = sub
	// Make sure the subscription is registered before the first Send.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return c, nil
}

// receive runs on the subscription's goroutine, one message at a time, so
// delivery order is preserved.
func (c *NATSConn) receive(msg *nats.Msg) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return
	}
	select {
	case c.in <- m:
	case <-c.done:
	}
}

func (c *NATSConn) Send(ctx context.Context, m Message) error {
	select {
	case <-c.done:
		return closedErr()
	default:
	}
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode message").WithCause(err)
	}
	if err := c.nc.Publish(c.out, data); err != nil {
		return schema.NewErrorf(schema.ErrCodeUnavailable, "publish %s: %v", c.out, err).WithCause(err)
	}
	return nil
}

func (c *NATSConn) Messages() <-chan Message { return c.in }
func (c *NATSConn) Done() <-chan struct{}    { return c.done }

func (c *NATSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.sub.Unsubscribe()
	})
	return err
}
