package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Key identifies a handler by node type and sub-type.
type Key struct {
	Type    schema.NodeType
	SubType string
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.SubType
}

// Info summarizes a registered handler for listing.
type Info struct {
	Type        schema.NodeType `json:"type"`
	SubType     string          `json:"subType"`
	Description string          `json:"description,omitempty"`
}

type entry struct {
	handler     Handler
	description string
}

// Registry is the thread-safe handler registry keyed by (type, subType).
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Key]entry),
	}
}

// Register adds a handler. Returns CONFLICT on a duplicate key.
func (r *Registry) Register(typ schema.NodeType, subType, description string, h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if typ == "" || subType == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type and subType are required")
	}
	key := Key{Type: typ, SubType: subType}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %s already registered", key)
	}
	r.handlers[key] = entry{handler: h, description: description}
	return nil
}

// Get retrieves the handler for a node type. Unknown combinations fail with
// UNKNOWN_NODE_TYPE.
func (r *Registry) Get(typ schema.NodeType, subType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[Key{Type: typ, SubType: subType}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no handler registered for %s/%s", typ, subType).
			WithDetails(map[string]any{"type": string(typ), "subType": subType})
	}
	return e.handler, nil
}

// Has checks if a handler is registered.
func (r *Registry) Has(typ schema.NodeType, subType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[Key{Type: typ, SubType: subType}]
	return ok
}

// List returns info for all registered handlers, sorted by type then sub-type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.handlers))
	for k, e := range r.handlers {
		infos = append(infos, Info{Type: k.Type, SubType: k.SubType, Description: e.description})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Type != infos[j].Type {
			return infos[i].Type < infos[j].Type
		}
		return infos[i].SubType < infos[j].SubType
	})
	return infos
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
