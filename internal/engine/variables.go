package engine

import (
	"strings"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// CreateVariable copies the value at path inside the data of node nodeID
// into variables[name], replacing any previous value. It is a silent no-op
// when the node has no completed output yet or the path does not resolve.
// The stored value is a snapshot: later changes to the source do not show.
func (e *Engine) CreateVariable(nodeID, path, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable name is required")
	}

	snap := e.sm.Snapshot()
	if snap.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot set variable in %s execution", snap.Status)
	}

	out, ok := snap.Outputs.Get(nodeID)
	if !ok || out.Status != schema.NodeStatusCompleted {
		e.logger.DebugContext(e.baseCtx, "variable source has no output", "node_id", nodeID, "variable", name)
		return nil
	}
	value, err := expressions.ResolvePath(out.Data, path)
	if err != nil {
		e.logger.DebugContext(e.baseCtx, "variable path did not resolve", "node_id", nodeID, "path", path, "error", err)
		return nil
	}

	return e.sm.SetVariable(e.baseCtx, name, value, map[string]any{"node_id": nodeID, "path": path})
}

// Variables returns a copy of the current variables.
func (e *Engine) Variables() map[string]any {
	return e.sm.Snapshot().Variables
}
