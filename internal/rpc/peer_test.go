package rpc

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genflow/pkg/schema"
)

type echoParams struct {
	Text string `json:"text"`
}

func newPair(t *testing.T) (*Peer, *Peer) {
	t.Helper()
	a, b := Pipe()
	pa, pb := NewPeer(a, nil), NewPeer(b, nil)
	pa.Start()
	pb.Start()
	t.Cleanup(func() { _ = pa.Close() })
	return pa, pb
}

func TestCallRoundTrip(t *testing.T) {
	client, server := newPair(t)
	server.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return echoParams{Text: p.Text + "!"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out echoParams
	require.NoError(t, client.Call(ctx, "echo", echoParams{Text: "hi"}, &out))
	assert.Equal(t, "hi!", out.Text)
}

func TestCallCarriesErrorCode(t *testing.T) {
	client, server := newPair(t)
	server.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, schema.NewError(schema.ErrCodeNotInitialized, "store not ready")
	})
	server.Handle("plain", func(context.Context, json.RawMessage) (any, error) {
		return nil, assert.AnError
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Call(ctx, "fail", nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotInitialized))
	assert.Equal(t, "store not ready", schema.MessageOf(err))

	err = client.Call(ctx, "plain", nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	err = client.Call(ctx, "missing", nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCallTimeout(t *testing.T) {
	client, server := newPair(t)
	release := make(chan struct{})
	defer close(release)
	server.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "slow", nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestCallOnClosedConnection(t *testing.T) {
	client, server := newPair(t)
	started := make(chan struct{})
	server.Handle("hang", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errc := make(chan error, 1)
	go func() { errc <- client.Call(context.Background(), "hang", nil, nil) }()
	<-started
	require.NoError(t, server.Close())

	select {
	case err := <-errc:
		assert.True(t, schema.IsCode(err, schema.ErrCodeUnavailable))
	case <-time.After(time.Second):
		t.Fatal("pending call not released on close")
	}

	err := client.Call(context.Background(), "hang", nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnavailable))
	assert.True(t, schema.IsCode(client.Notify(context.Background(), "x", nil), schema.ErrCodeUnavailable))
}

func TestNotificationsArriveInOrder(t *testing.T) {
	client, server := newPair(t)
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	server.Handle("tick", func(_ context.Context, params json.RawMessage) (any, error) {
		var n int
		_ = json.Unmarshal(params, &n)
		mu.Lock()
		got = append(got, n)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
		return nil, nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, client.Notify(context.Background(), "tick", i))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifications not delivered")
	}
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestDuplicateResponseDeliveredOnce(t *testing.T) {
	a, b := Pipe()
	client := NewPeer(a, nil)
	client.Start()
	defer client.Close()

	// Raw server that answers every request twice.
	go func() {
		for {
			select {
			case <-b.Done():
				return
			case m := <-b.Messages():
				for i := 0; i < 2; i++ {
					_ = b.Send(context.Background(), Message{Kind: KindResponse, ID: m.ID, Result: json.RawMessage(`1`)})
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		var n int
		require.NoError(t, client.Call(ctx, "x", nil, &n))
		assert.Equal(t, 1, n)
	}
	client.mu.Lock()
	assert.Empty(t, client.pending)
	client.mu.Unlock()
}

func TestPipeDoesNotShareMemory(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	params := json.RawMessage(`{"k":"v"}`)
	require.NoError(t, a.Send(context.Background(), Message{Kind: KindNotify, Method: "m", Params: params}))
	params[2] = 'X'

	m := <-b.Messages()
	assert.JSONEq(t, `{"k":"v"}`, string(m.Params))
}

func TestNATSConn(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	toFg, toBg := Subjects("genflow-test", nats.NewInbox())
	bgConn, err := NewNATSConn(nc, toBg, toFg)
	require.NoError(t, err)
	fgConn, err := NewNATSConn(nc, toFg, toBg)
	require.NoError(t, err)

	bg, fg := NewPeer(bgConn, nil), NewPeer(fgConn, nil)
	bg.Start()
	fg.Start()
	defer bg.Close()
	defer fg.Close()

	bg.Handle("ping", func(context.Context, json.RawMessage) (any, error) { return "pong", nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out string
	require.NoError(t, fg.Call(ctx, "ping", nil, &out))
	assert.Equal(t, "pong", out)
}
