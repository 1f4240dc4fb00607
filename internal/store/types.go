package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Execution is the persisted summary of one run.
type Execution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	Status        schema.ExecutionStatus `json:"status"`
	Mode          schema.ExecutionMode   `json:"mode,omitempty"`
	CurrentNodeID string                 `json:"current_node_id,omitempty"`
	Stopped       bool                   `json:"stopped,omitempty"`
	Error         string                 `json:"error,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	EndedAt       *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NodeOutput is one persisted node result. Position keeps the snapshot order.
type NodeOutput struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Position    int               `json:"position"`
	Status      schema.NodeStatus `json:"status"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
}

// Event is a persisted event-log entry.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
