package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeReplay is a node's state as reconstructed from the event log alone.
type NodeReplay struct {
	NodeID    string            `json:"node_id"`
	Status    schema.NodeStatus `json:"status"`
	Branch    string            `json:"branch,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attempts  int               `json:"attempts"`
	Retries   int               `json:"retries"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// Replay is the outcome of folding an execution's events in sequence order.
type Replay struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Stopped     bool                   `json:"stopped,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Nodes       map[string]*NodeReplay `json:"nodes"`
	// Order lists node IDs in the order they first appeared.
	Order     []string       `json:"order"`
	Variables map[string]any `json:"variables"`
	LastSeq   int64          `json:"last_sequence"`
}

// EventLog provides event-sourcing reads on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps s.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// ReplayEvents folds every event of an execution into a Replay.
// A gap in the sequence numbers is reported as STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (*Replay, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &Replay{
		ExecutionID: executionID,
		Status:      schema.ExecutionIdle,
		Nodes:       make(map[string]*NodeReplay),
		Variables:   make(map[string]any),
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		var payload map[string]any
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.Sequence, err)
			}
		}
		r.LastSeq = e.Sequence
		r.apply(e, payload)
	}
	return r, nil
}

func (r *Replay) node(id string) *NodeReplay {
	n, ok := r.Nodes[id]
	if !ok {
		n = &NodeReplay{NodeID: id, Status: schema.NodeStatusPending}
		r.Nodes[id] = n
		r.Order = append(r.Order, id)
	}
	return n
}

func (r *Replay) apply(e *Event, payload map[string]any) {
	ts := e.Timestamp

	switch e.Type {
	case schema.EventExecutionStarted, schema.EventExecutionResumed:
		r.Status = schema.ExecutionRunning
	case schema.EventExecutionPaused:
		r.Status = schema.ExecutionPaused
	case schema.EventExecutionCompleted:
		r.Status = schema.ExecutionCompleted
	case schema.EventExecutionStopped:
		r.Status = schema.ExecutionCompleted
		r.Stopped = true
	case schema.EventExecutionFailed:
		r.Status = schema.ExecutionError
		r.Error = stringField(payload, "error")

	case schema.EventVariableSet:
		if name := stringField(payload, "name"); name != "" {
			r.Variables[name] = payload["value"]
		}
	}

	if e.NodeID == "" {
		return
	}

	switch e.Type {
	case schema.EventNodeStarted:
		n := r.node(e.NodeID)
		n.Status = schema.NodeStatusRunning
		n.StartedAt = &ts
	case schema.EventNodeCompleted, schema.EventNodeFailed:
		n := r.node(e.NodeID)
		n.Status = schema.NodeStatusCompleted
		if e.Type == schema.EventNodeFailed {
			n.Status = schema.NodeStatusFailed
		}
		n.EndedAt = &ts
		n.Error = stringField(payload, "error")
		if a, ok := payload["attempts"].(float64); ok {
			n.Attempts = int(a)
		}
	case schema.EventNodeSkipped:
		r.node(e.NodeID).Status = schema.NodeStatusSkipped
	case schema.EventNodeRetrying:
		r.node(e.NodeID).Retries++
	case schema.EventBranchSelected:
		r.node(e.NodeID).Branch = stringField(payload, "branch")
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
