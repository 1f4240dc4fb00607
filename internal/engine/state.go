package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Subscriber observes execution snapshots. Each call receives its own deep
// copy; the callback runs on the goroutine that caused the transition.
type Subscriber func(state schema.ExecutionState)

type subscription struct {
	fn     Subscriber
	since  uint64
	active atomic.Bool
}

type queuedSnapshot struct {
	seq   uint64
	state schema.ExecutionState
}

// NodeState is the scheduling-relevant view of one node.
type NodeState struct {
	Status schema.NodeStatus
	Branch string
}

// StateMachine owns the ExecutionState of one run. Every mutation goes
// through its methods under a single mutex, is validated against the
// transition tables and is published as a snapshot to all subscribers.
type StateMachine struct {
	mu      sync.Mutex
	ref     Ref
	state   schema.ExecutionState
	order   []string
	nodes   map[string]schema.NodeStatus
	execFSM *ExecutionFSM
	nodeFSM *NodeFSM
	events  EventAppender
	logger  *slog.Logger
	now     func() time.Time

	subs       map[uint64]*subscription
	nextSub    uint64
	seq        uint64
	queue      []queuedSnapshot
	delivering bool
}

// NewStateMachine creates an idle state machine over the given node IDs,
// which should be in topological order.
func NewStateMachine(ref Ref, nodeIDs []string, events EventAppender, logger *slog.Logger) *StateMachine {
	if events == nil {
		events = nopAppender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	sm := &StateMachine{
		ref: ref,
		state: schema.ExecutionState{
			WorkflowID:  ref.WorkflowID,
			ExecutionID: ref.ExecutionID,
			Status:      schema.ExecutionIdle,
			Variables:   map[string]any{},
		},
		order:   append([]string(nil), nodeIDs...),
		nodes:   make(map[string]schema.NodeStatus, len(nodeIDs)),
		execFSM: NewExecutionFSM(events),
		nodeFSM: NewNodeFSM(events),
		events:  events,
		logger:  logger,
		now:     time.Now,
		subs:    make(map[uint64]*subscription),
	}
	for _, id := range nodeIDs {
		sm.nodes[id] = schema.NodeStatusPending
	}
	return sm
}

// ExecutionFSM exposes the run-level FSM so callers can attach hooks.
func (sm *StateMachine) ExecutionFSM() *ExecutionFSM { return sm.execFSM }

// NodeFSM exposes the node-level FSM so callers can attach hooks.
func (sm *StateMachine) NodeFSM() *NodeFSM { return sm.nodeFSM }

// Subscribe registers fn for every snapshot emitted after this call.
func (sm *StateMachine) Subscribe(fn Subscriber) (unsubscribe func()) {
	sm.mu.Lock()
	id := sm.nextSub
	sm.nextSub++
	sub := &subscription{fn: fn, since: sm.seq}
	sub.active.Store(true)
	sm.subs[id] = sub
	sm.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			sm.mu.Lock()
			delete(sm.subs, id)
			sm.mu.Unlock()
		})
	}
}

// Snapshot returns a deep copy of the current state.
func (sm *StateMachine) Snapshot() schema.ExecutionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.Clone()
}

// Status returns the current run status.
func (sm *StateMachine) Status() schema.ExecutionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.Status
}

// Nodes returns the status and chosen branch of every node.
func (sm *StateMachine) Nodes() map[string]NodeState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]NodeState, len(sm.nodes))
	for id, st := range sm.nodes {
		ns := NodeState{Status: st}
		if o, ok := sm.state.Outputs.Get(id); ok {
			ns.Branch = o.Branch
		}
		out[id] = ns
	}
	return out
}

// Pending returns the IDs of nodes that have not started, in topological order.
func (sm *StateMachine) Pending() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pendingLocked()
}

func (sm *StateMachine) pendingLocked() []string {
	var ids []string
	for _, id := range sm.order {
		if sm.nodes[id] == schema.NodeStatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start moves idle -> running and records the start time.
func (sm *StateMachine) Start(ctx context.Context, mode schema.ExecutionMode) error {
	return sm.mutate(func() error {
		if err := sm.transitionLocked(ctx, schema.ExecutionRunning, "", map[string]any{"mode": string(mode)}); err != nil {
			return err
		}
		now := sm.now()
		sm.state.Mode = mode
		sm.state.StartTime = &now
		return nil
	})
}

// NodeBegin records node id as running.
func (sm *StateMachine) NodeBegin(ctx context.Context, id string) error {
	return sm.mutate(func() error {
		if sm.state.Status != schema.ExecutionRunning {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot begin node while execution is %s", sm.state.Status).WithNode(id)
		}
		if err := sm.nodeTransitionLocked(ctx, id, schema.NodeStatusRunning, nil); err != nil {
			return err
		}
		now := sm.now()
		sm.state.Outputs.Set(id, schema.NodeOutput{Status: schema.NodeStatusRunning, StartTime: &now})
		sm.state.CurrentNodeID = id
		return nil
	})
}

// NodeEnd finalizes a running node with a completed or failed output. It is
// accepted while running or paused, since pause never aborts an in-flight node.
func (sm *StateMachine) NodeEnd(ctx context.Context, id string, out schema.NodeOutput) error {
	return sm.mutate(func() error {
		if sm.state.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot end node in %s execution", sm.state.Status).WithNode(id)
		}
		if out.Status != schema.NodeStatusCompleted && out.Status != schema.NodeStatusFailed {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"node must end completed or failed, got %s", out.Status).WithNode(id)
		}

		payload := map[string]any{"attempts": out.Attempts}
		if out.Error != "" {
			payload["error"] = out.Error
		}
		if err := sm.nodeTransitionLocked(ctx, id, out.Status, payload); err != nil {
			return err
		}

		prev, _ := sm.state.Outputs.Get(id)
		final := out.Clone()
		final.StartTime = prev.StartTime
		now := sm.now()
		final.EndTime = &now
		sm.state.Outputs.Set(id, final)
		if sm.state.CurrentNodeID == id {
			sm.state.CurrentNodeID = ""
		}

		if final.Branch != "" {
			sm.appendLocked(ctx, id, schema.EventBranchSelected, map[string]any{"branch": final.Branch})
		}
		return nil
	})
}

// Skip marks every still-pending node in ids as skipped and returns those
// that changed. Nodes that already started are left untouched.
func (sm *StateMachine) Skip(ctx context.Context, ids []string) ([]string, error) {
	var skipped []string
	err := sm.mutate(func() error {
		if sm.state.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot skip nodes in %s execution", sm.state.Status)
		}
		skipped = sm.skipLocked(ctx, ids, "unreachable")
		if len(skipped) == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		err = nil
	}
	return skipped, err
}

func (sm *StateMachine) skipLocked(ctx context.Context, ids []string, reason string) []string {
	var skipped []string
	for _, id := range ids {
		if sm.nodes[id] != schema.NodeStatusPending {
			continue
		}
		if err := sm.nodeTransitionLocked(ctx, id, schema.NodeStatusSkipped, map[string]any{"reason": reason}); err != nil {
			continue
		}
		sm.state.Outputs.Set(id, schema.NodeOutput{Status: schema.NodeStatusSkipped})
		skipped = append(skipped, id)
	}
	return skipped
}

// Pause moves running -> paused.
func (sm *StateMachine) Pause(ctx context.Context) error {
	return sm.mutate(func() error {
		return sm.transitionLocked(ctx, schema.ExecutionPaused, "", nil)
	})
}

// Resume moves paused -> running.
func (sm *StateMachine) Resume(ctx context.Context) error {
	return sm.mutate(func() error {
		return sm.transitionLocked(ctx, schema.ExecutionRunning, "", nil)
	})
}

// Stop ends the run as completed with stopped set. Unstarted nodes are skipped.
func (sm *StateMachine) Stop(ctx context.Context) error {
	return sm.mutate(func() error {
		if err := sm.checkTransitionLocked(schema.ExecutionCompleted); err != nil {
			return err
		}
		skipped := sm.skipLocked(ctx, sm.pendingLocked(), "stopped")
		if err := sm.transitionLocked(ctx, schema.ExecutionCompleted, schema.EventExecutionStopped,
			map[string]any{"stopped": true, "skipped": len(skipped)}); err != nil {
			return err
		}
		sm.finishLocked()
		sm.state.Stopped = true
		return nil
	})
}

// Fail ends the run in error with msg. Unstarted nodes are skipped.
func (sm *StateMachine) Fail(ctx context.Context, msg string) error {
	return sm.mutate(func() error {
		if err := sm.checkTransitionLocked(schema.ExecutionError); err != nil {
			return err
		}
		sm.skipLocked(ctx, sm.pendingLocked(), "execution failed")
		if err := sm.transitionLocked(ctx, schema.ExecutionError, "", map[string]any{"error": msg}); err != nil {
			return err
		}
		sm.finishLocked()
		sm.state.Error = msg
		return nil
	})
}

// Complete ends the run successfully. Every node must already be terminal.
func (sm *StateMachine) Complete(ctx context.Context) error {
	return sm.mutate(func() error {
		for _, id := range sm.order {
			if !sm.nodes[id].IsTerminal() {
				return schema.NewErrorf(schema.ErrCodeInvalidTransition,
					"cannot complete: node %s is %s", id, sm.nodes[id]).WithNode(id)
			}
		}
		if err := sm.transitionLocked(ctx, schema.ExecutionCompleted, "", nil); err != nil {
			return err
		}
		sm.finishLocked()
		return nil
	})
}

// SetVariable stores a deep copy of value under name, replacing any previous value.
func (sm *StateMachine) SetVariable(ctx context.Context, name string, value any, source map[string]any) error {
	return sm.mutate(func() error {
		if sm.state.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot set variable in %s execution", sm.state.Status)
		}
		sm.state.Variables[name] = schema.CloneValue(value)

		payload := map[string]any{"name": name, "value": schema.CloneValue(value)}
		for k, v := range source {
			payload[k] = v
		}
		sm.appendLocked(ctx, "", schema.EventVariableSet, payload)
		return nil
	})
}

// Event appends a free-form event for this execution to the event log.
func (sm *StateMachine) Event(ctx context.Context, nodeID, typ string, payload map[string]any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.appendLocked(ctx, nodeID, typ, payload)
}

func (sm *StateMachine) finishLocked() {
	now := sm.now()
	sm.state.EndTime = &now
	sm.state.CurrentNodeID = ""
}

func (sm *StateMachine) checkTransitionLocked(to schema.ExecutionStatus) error {
	for _, allowed := range ValidExecutionTransitions[sm.state.Status] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", sm.state.Status, to)
}

func (sm *StateMachine) transitionLocked(ctx context.Context, to schema.ExecutionStatus, eventType string, payload map[string]any) error {
	if err := sm.execFSM.Transition(ctx, sm.ref, sm.state.Status, to, eventType, payload); err != nil {
		if !schema.IsCode(err, schema.ErrCodeStore) {
			return err
		}
		sm.logger.WarnContext(ctx, "execution event not recorded", "error", err)
	}
	sm.state.Status = to
	return nil
}

func (sm *StateMachine) nodeTransitionLocked(ctx context.Context, id string, to schema.NodeStatus, payload map[string]any) error {
	from, ok := sm.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown node %q", id).WithNode(id)
	}
	if err := sm.nodeFSM.Transition(ctx, sm.ref, id, from, to, payload); err != nil {
		if !schema.IsCode(err, schema.ErrCodeStore) {
			return err
		}
		sm.logger.WarnContext(ctx, "node event not recorded", "node_id", id, "error", err)
	}
	sm.nodes[id] = to
	return nil
}

func (sm *StateMachine) appendLocked(ctx context.Context, nodeID, typ string, payload map[string]any) {
	if err := sm.events.AppendEvent(ctx, sm.ref.event(nodeID, typ, payload)); err != nil {
		sm.logger.WarnContext(ctx, "event not recorded", "type", typ, "error", err)
	}
}

// errNoChange signals a successful mutation that should not publish.
var errNoChange = errors.New("no change")

// mutate applies fn under the lock and, on success, queues a snapshot and
// delivers the queue. Snapshots reach subscribers in mutation order.
func (sm *StateMachine) mutate(fn func() error) error {
	sm.mu.Lock()
	if err := fn(); err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.seq++
	sm.queue = append(sm.queue, queuedSnapshot{seq: sm.seq, state: sm.state.Clone()})
	sm.mu.Unlock()

	sm.flush()
	return nil
}

// flush delivers queued snapshots. Only one goroutine delivers at a time.
// A transition made while another goroutine is delivering (from inside a
// callback, or concurrently from a control call) is queued and handed over
// by that goroutine before its flush returns; the caller does not wait for
// it, since a callback waiting on its own delivery would never return.
func (sm *StateMachine) flush() {
	sm.mu.Lock()
	if sm.delivering {
		sm.mu.Unlock()
		return
	}
	sm.delivering = true
	for len(sm.queue) > 0 {
		item := sm.queue[0]
		sm.queue = sm.queue[1:]
		subs := make([]*subscription, 0, len(sm.subs))
		for _, id := range slices.Sorted(maps.Keys(sm.subs)) {
			subs = append(subs, sm.subs[id])
		}
		sm.mu.Unlock()

		for _, sub := range subs {
			if item.seq <= sub.since || !sub.active.Load() {
				continue
			}
			sm.deliver(sub, item)
		}

		sm.mu.Lock()
	}
	sm.delivering = false
	sm.mu.Unlock()
}

func (sm *StateMachine) deliver(sub *subscription, item queuedSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			ctx := logging.WithExecutionID(logging.WithWorkflowID(context.Background(), sm.ref.WorkflowID), sm.ref.ExecutionID)
			sm.logger.ErrorContext(ctx, "subscriber panicked", "panic", fmt.Sprint(r))
		}
	}()
	sub.fn(item.state.Clone())
}

