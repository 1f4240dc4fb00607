package schema

// ControlAction enumerates the interactive run-control commands.
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlStop   ControlAction = "stop"
	ControlStep   ControlAction = "step"
)

// VariableRequest promotes a value from a node output to a named variable.
type VariableRequest struct {
	NodeID string `json:"node_id"`
	Path   string `json:"path"`
	Name   string `json:"name"`
}
