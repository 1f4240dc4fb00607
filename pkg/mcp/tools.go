package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// handleRun validates a graph and starts it on the run pool. A step run
// answers once it is paused after the first node.
func (s *NodeflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := parseGraphArg(req, "graph")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	mode := schema.ExecutionMode(req.GetString("mode", string(schema.ModeFull)))
	session := server.ClientSessionFromContext(ctx)
	e, err := s.runs.Start(ctx, runs.StartRequest{
		Doc:         doc,
		WorkflowID:  req.GetString("workflow_id", ""),
		TriggerData: req.GetArguments()["trigger_data"],
		Mode:        mode,
		Observers: []engine.Subscriber{statusNotifier(s.notifier, func(err error) {
			s.logger.Warn("run notification failed", "error", err)
		})},
		OnTrack: func(e *engine.Engine) {
			if session != nil {
				s.sessions.Register(e.ExecutionID(), session.SessionID())
			}
		},
		OnRelease: func(e *engine.Engine) {
			s.sessions.Forget(e.ExecutionID())
		},
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if mode != schema.ModeStep && req.GetBool("wait", true) {
		_ = e.Wait(ctx)
	}
	return marshalResult(e.Snapshot())
}

// handleStatus reports the state of a live or persisted run.
func (s *NodeflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, err := s.runs.Status(ctx, executionID, req.GetBool("include_events", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(status)
}

// handleControl applies pause, resume, step or stop to a live run.
func (s *NodeflowServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	state, err := s.runs.Control(ctx, executionID, schema.ControlAction(action))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(state)
}

// handleVariable promotes a node output field to a named variable.
func (s *NodeflowServer) handleVariable(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	vars, err := s.runs.CreateVariable(executionID, schema.VariableRequest{
		NodeID: nodeID,
		Path:   req.GetString("path", ""),
		Name:   name,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"variables":    vars,
	})
}

// handleValidate runs every validation stage and returns the full report.
func (s *NodeflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := parseGraphArg(req, "graph")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.runs.Validate(doc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleHandlers lists the registered node types.
func (s *NodeflowServer) handleHandlers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handlers, err := s.runs.Handlers()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{"handlers": handlers})
}

// --- Helpers ---

func (s *NodeflowServer) lookup(executionID string) (*engine.Engine, bool) {
	return s.runs.Lookup(executionID)
}

func parseGraphArg(req mcp.CallToolRequest, key string) (*validation.Document, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return validation.Parse(data, validation.FormatJSON)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
