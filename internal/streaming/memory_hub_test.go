package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genflow/pkg/schema"
)

func recv(t *testing.T, ch <-chan schema.Event) schema.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return schema.Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan schema.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{
		Type:       schema.EventStep,
		WorkflowID: "wf-1",
		StepID:     "step-1",
		Status:     string(schema.StepStatusCompleted),
	}))

	got := recv(t, ch)
	assert.Equal(t, schema.EventStep, got.Type)
	assert.Equal(t, "step-1", got.StepID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFilterByWorkflowID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventStatus, WorkflowID: "wf-1"}))
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventStatus, WorkflowID: "wf-2"}))

	assert.Equal(t, "wf-1", recv(t, ch).WorkflowID)
	assertEmpty(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Types: []schema.EventType{schema.EventCompleted, schema.EventFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventCompleted, WorkflowID: "a"}))
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventStep, WorkflowID: "a"}))
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventFailed, WorkflowID: "b"}))

	assert.Equal(t, schema.EventCompleted, recv(t, ch).Type)
	assert.Equal(t, schema.EventFailed, recv(t, ch).Type)
	assertEmpty(t, ch)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(2))
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Publish(ctx, schema.Event{Type: schema.EventStatus, WorkflowID: "wf"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(8), hub.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, schema.Event{Type: schema.EventStatus}))
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, schema.Event{Type: schema.EventStatus}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConcurrentPublishPreservesPerPublisherOrder(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(256))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-ordered"})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = hub.Publish(ctx, schema.Event{Type: schema.EventStatus, WorkflowID: "noise"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = hub.Publish(ctx, schema.Event{Type: schema.EventStep, WorkflowID: "wf-ordered", Duration: int64(i)})
		}
	}()
	wg.Wait()

	for i := 0; i < 50; i++ {
		assert.Equal(t, int64(i), recv(t, ch).Duration)
	}
}
