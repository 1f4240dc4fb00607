package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

// RunNotifier pushes run progress to whoever started the run.
type RunNotifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier with MCP notifications to the
// originating session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify is best-effort: a run without a live session is not an error.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// statusNotifier returns a subscriber that notifies on every run-level
// status change, not on every node transition.
func statusNotifier(n RunNotifier, onError func(error)) engine.Subscriber {
	var last schema.ExecutionStatus
	return func(s schema.ExecutionState) {
		if s.Status == last {
			return
		}
		last = s.Status
		payload := map[string]any{
			"level":        "info",
			"execution_id": s.ExecutionID,
			"workflow_id":  s.WorkflowID,
			"status":       string(s.Status),
		}
		if s.Error != "" {
			payload["level"] = "error"
			payload["error"] = s.Error
		}
		if s.Stopped {
			payload["stopped"] = true
		}
		if err := n.Notify(context.Background(), s.ExecutionID, payload); err != nil && onError != nil {
			onError(err)
		}
	}
}
