package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionStopped   = "execution_stopped"
	EventExecutionFailed    = "execution_failed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventBranchSelected = "branch_selected"
	EventVariableSet    = "variable_set"
	EventStepTaken      = "step_taken"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// ExecutionStatus represents the lifecycle state of one execution.
type ExecutionStatus string

const (
	ExecutionIdle      ExecutionStatus = "idle"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionError     ExecutionStatus = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionError
}

// NodeStatus represents the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node has left the running state for good.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// ExecutionMode selects how Execute drives the graph.
type ExecutionMode string

const (
	ModeFull ExecutionMode = "full"
	ModeStep ExecutionMode = "step"
)
