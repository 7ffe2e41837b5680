package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// MCPNotifier pushes workflow outcomes to the session that submitted them.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends the outcome carried by ev. Best-effort: returns nil if the
// submitting session is unknown or gone.
func (n *MCPNotifier) Notify(_ context.Context, ev schema.Event) error {
	sessionID, ok := n.sessions.SessionFor(ev.WorkflowID)
	if !ok {
		return nil
	}
	n.sessions.Done(ev.WorkflowID)
	payload := map[string]any{
		"type":       string(ev.Type),
		"workflowId": ev.WorkflowID,
	}
	if ev.Error != "" {
		payload["error"] = ev.Error
		payload["errorCode"] = ev.ErrorCode
		payload["needsReauth"] = ev.NeedsReauth()
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Watch forwards completed and failed events until ctx ends.
func (n *MCPNotifier) Watch(ctx context.Context, w Workflows, logger *slog.Logger) {
	events, cancel, err := w.Subscribe(ctx, streaming.EventFilter{
		Types: []schema.EventType{schema.EventCompleted, schema.EventFailed},
	})
	if err != nil {
		logger.Warn("mcp notifier not subscribed", "error", err)
		return
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := n.Notify(ctx, ev); err != nil {
				logger.Debug("mcp notification failed", "workflow", ev.WorkflowID, "error", err)
			}
		}
	}
}
