package nodes

import (
	"context"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Handler runs one node type. Implementations must honour ctx cancellation;
// the dispatcher enforces the node timeout through ctx.
type Handler interface {
	Run(ctx context.Context, in Input) (*Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (*Result, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// ConfigValidator is implemented by handlers that can check a node's static
// config before a run starts.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Input is everything a handler sees for one attempt. Maps are snapshots;
// handlers must treat them as read-only.
type Input struct {
	Node       *schema.Node
	Config     map[string]any // config with every expression resolved
	Data       any            // merged data of live predecessors ($json)
	Inputs     map[string]any // predecessor ID -> data, for merge policies
	Sources    []string       // live predecessor IDs in edge order
	Variables  map[string]any
	Outputs    map[string]any // prior node ID -> data
	Credential []byte         // resolved material for Node.Credential, if any
	Trigger    any            // data injected when the run was started
}

// Result is a handler's successful outcome. Branching handlers set Branch
// to the chosen source handle.
type Result struct {
	Data   any
	Branch string
}

// CredentialResolver supplies decrypted connection material by reference.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}
