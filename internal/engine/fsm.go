package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// Event is one entry of the execution event log.
type Event struct {
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventAppender receives events emitted on transitions. The store sink implements it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}

type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, *Event) error { return nil }

// Fanout returns an appender that forwards every event to each of appenders
// in order. All appenders see the event even when an earlier one fails.
func Fanout(appenders ...EventAppender) EventAppender {
	return fanout(appenders)
}

type fanout []EventAppender

func (f fanout) AppendEvent(ctx context.Context, event *Event) error {
	var errs []error
	for _, a := range f {
		if a == nil {
			continue
		}
		if err := a.AppendEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ref identifies the execution a transition belongs to.
type Ref struct {
	WorkflowID  string
	ExecutionID string
}

func (r Ref) event(nodeID, typ string, payload map[string]any) *Event {
	return &Event{
		WorkflowID:  r.WorkflowID,
		ExecutionID: r.ExecutionID,
		NodeID:      nodeID,
		Type:        typ,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates run-level status transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	if appender == nil {
		appender = nopAppender{}
	}
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
// A hook error aborts the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the matching event.
// eventType overrides the default event name when non-empty.
func (f *ExecutionFSM) Transition(ctx context.Context, ref Ref, from, to schema.ExecutionStatus, eventType string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": ref.ExecutionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType == "" {
		eventType = executionEventType(from, to)
	}
	appendErr := f.appender.AppendEvent(ctx, ref.event("", eventType, payload))

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if appendErr != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", appendErr.Error()).WithCause(appendErr)
	}
	return nil
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionError:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM validates per-node status transitions.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	if appender == nil {
		appender = nopAppender{}
	}
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to for one node and emits the matching event.
func (f *NodeFSM) Transition(ctx context.Context, ref Ref, nodeID string, from, to schema.NodeStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": ref.ExecutionID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	appendErr := f.appender.AppendEvent(ctx, ref.event(nodeID, nodeEventType(to), payload))

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if appendErr != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", appendErr.Error()).
			WithNode(nodeID).WithCause(appendErr)
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}

// ValidExecutionTransitions defines the allowed run-level transitions.
// Completed and error are terminal.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionIdle:      {schema.ExecutionRunning},
	schema.ExecutionRunning:   {schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionError},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionCompleted, schema.ExecutionError},
	schema.ExecutionCompleted: {},
	schema.ExecutionError:     {},
}

// ValidNodeTransitions defines the allowed node transitions. A node keeps
// the running status across retry attempts.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}
