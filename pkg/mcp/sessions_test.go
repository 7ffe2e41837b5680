package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genflow/pkg/schema"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("wf-1", "session-abc")
	sid, ok := r.SessionFor("wf-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Done(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("wf-1", "session-abc")
	r.Done("wf-1")
	_, ok := r.SessionFor("wf-1")
	assert.False(t, ok)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("wf-1", "session-abc")
	r.Register("wf-2", "session-abc")
	r.Register("wf-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("wf-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("wf-2")
	assert.False(t, ok)

	sid, ok := r.SessionFor("wf-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}

func TestNotifierSkipsUnknownWorkflow(t *testing.T) {
	n := NewMCPNotifier(server.NewMCPServer("t", "0"), NewSessionRegistry())
	assert.NoError(t, n.Notify(context.Background(), schema.Event{Type: schema.EventCompleted, WorkflowID: "wf-1"}))
}

func TestNotifierDropsVanishedSession(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("wf-1", "gone")
	sessions.Register("wf-2", "gone")
	n := NewMCPNotifier(server.NewMCPServer("t", "0"), sessions)

	err := n.Notify(context.Background(), schema.Event{Type: schema.EventFailed, WorkflowID: "wf-1", Error: "boom"})
	require.NoError(t, err)

	_, ok := sessions.SessionFor("wf-2")
	assert.False(t, ok)
}
