package validation

import (
	"github.com/rendis/nodeflow/internal/graph"
	"github.com/rendis/nodeflow/pkg/schema"
)

// GraphValidator runs the three validation stages over a graph document:
//  1. Structural (JSON Schema)
//  2. Semantic (ids, edges, handles, handlers, configs, expressions)
//  3. DAG (cycles, topology warnings)
//
// A failing stage skips the ones after it.
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
}

// NewGraphValidator creates a GraphValidator. handlers may be nil to skip
// handler and config checks.
func NewGraphValidator(handlers HandlerLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, handlers: handlers}, nil
}

// Validate checks a decoded document.
func (v *GraphValidator) Validate(doc *Document) *schema.ValidationResult {
	if doc == nil || doc.Graph == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph document is nil")
		return r
	}
	result := v.jsonSchema.ValidateDocument(doc.raw)
	if !result.Valid() {
		return result
	}
	r, _ := v.check(doc.Graph)
	result.Merge(r)
	return result
}

// ValidateGraph checks an in-memory graph.
func (v *GraphValidator) ValidateGraph(g *schema.WorkflowGraph) *schema.ValidationResult {
	_, result := v.Build(g)
	return result
}

// Build validates g and returns the execution graph when it is valid.
func (v *GraphValidator) Build(g *schema.WorkflowGraph) (*graph.Graph, *schema.ValidationResult) {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph is nil")
		return nil, r
	}
	result := v.jsonSchema.ValidateGraph(g)
	if !result.Valid() {
		return nil, result
	}
	built, r := v.check(g)
	result.Merge(r)
	if !result.Valid() {
		return nil, result
	}
	return built, result
}

func (v *GraphValidator) check(g *schema.WorkflowGraph) (*graph.Graph, *schema.ValidationResult) {
	result := validateSemantic(g, v.handlers)
	if !result.Valid() {
		return nil, result
	}
	built, dag := validateDAG(g)
	result.Merge(dag)
	return built, result
}
