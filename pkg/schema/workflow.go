package schema

// WorkflowGraph is the JSON-serializable node/edge graph produced by the canvas.
type WorkflowGraph struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// NodeType enumerates the node categories.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeLogic     NodeType = "logic"
	NodeTypeTransform NodeType = "transform"
)

// Sub-types with engine-level meaning. Other sub-types are opaque to the engine
// and only matter to the handler registry.
const (
	SubTypeCondition = "condition"
	SubTypeSwitch    = "switch"
	SubTypeMerge     = "merge"
)

// Source handles.
const (
	HandleOutput  = "output"
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleDefault = "default"
	// HandleCasePrefix prefixes switch case handles: case-0, case-1, ...
	HandleCasePrefix = "case-"
)

// Node is a single step of the workflow graph.
type Node struct {
	ID                  string         `json:"id" yaml:"id"`
	Name                string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type                NodeType       `json:"type" yaml:"type"`
	SubType             string         `json:"subType" yaml:"subType"`
	Config              map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	RetryCount          int            `json:"retryCount,omitempty" yaml:"retryCount,omitempty"`
	RetryDelayMs        int            `json:"retryDelayMs,omitempty" yaml:"retryDelayMs,omitempty"`
	RetryBackoff        string         `json:"retryBackoff,omitempty" yaml:"retryBackoff,omitempty"`
	TimeoutMs           int            `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	ContinueOnError     bool           `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	TolerantExpressions bool           `json:"tolerantExpressions,omitempty" yaml:"tolerantExpressions,omitempty"`
	Credential          string         `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// IsBranching reports whether the node selects outgoing edges by handle.
func (n *Node) IsBranching() bool {
	return n.Type == NodeTypeLogic && (n.SubType == SubTypeCondition || n.SubType == SubTypeSwitch)
}

// Edge connects two nodes, optionally through a named source handle.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Handle returns the edge's source handle, defaulting to "output".
func (e Edge) Handle() string {
	if e.SourceHandle == "" {
		return HandleOutput
	}
	return e.SourceHandle
}
