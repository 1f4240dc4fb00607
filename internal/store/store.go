package store

import (
	"context"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Store persists execution snapshots, the event log and encrypted secrets.
// All implementations must be safe for concurrent use.
type Store interface {
	// Snapshots (materialized view of the latest state)
	SaveSnapshot(ctx context.Context, state schema.ExecutionState) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	ListNodeOutputs(ctx context.Context, executionID string) ([]*NodeOutput, error)
	GetVariables(ctx context.Context, executionID string) (map[string]any, error)
	LoadState(ctx context.Context, executionID string) (schema.ExecutionState, error)
	DeleteExecution(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *engine.Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

var _ engine.EventAppender = Store(nil)
