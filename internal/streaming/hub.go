package streaming

import (
	"context"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Update kinds.
const (
	KindSnapshot = "snapshot"
	KindEvent    = "event"
)

// Update is one message fanned out to live observers of an execution: either
// a full state snapshot or a single event-log entry.
type Update struct {
	WorkflowID  string                 `json:"workflow_id"`
	ExecutionID string                 `json:"execution_id"`
	Kind        string                 `json:"kind"`
	State       *schema.ExecutionState `json:"state,omitempty"`
	Event       *engine.Event          `json:"event,omitempty"`
}

// Filter selects which updates a subscriber receives. Zero fields match all.
type Filter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Kinds       []string `json:"kinds,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub of execution updates across engines.
type Hub interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Update, func(), error)
}
