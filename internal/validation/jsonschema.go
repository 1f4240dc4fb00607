package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/pkg/schema"
)

const graphSchemaURL = "https://nodeflow.dev/schemas/graph.json"

// graphSchemaJSON describes a workflow graph document. Canvas exports carry
// extra presentation fields (position, data, viewport), so unknown
// properties are allowed.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type", "subType"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": { "enum": ["trigger", "action", "logic", "transform"] },
        "subType": { "type": "string", "minLength": 1 },
        "config": { "type": ["object", "null"] },
        "retryCount": { "type": "integer", "minimum": 0 },
        "retryDelayMs": { "type": "integer", "minimum": 0 },
        "retryBackoff": { "enum": ["none", "constant", "linear", "exponential"] },
        "timeoutMs": { "type": "integer", "minimum": 0 },
        "continueOnError": { "type": "boolean" },
        "tolerantExpressions": { "type": "boolean" },
        "credential": { "type": "string" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] }
      }
    }
  }
}`

// JSONSchemaValidator checks graph documents against the graph JSON Schema
// (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the graph schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &JSONSchemaValidator{graphSchema: compiled}, nil
}

// ValidateDocument validates a decoded document. doc must come from
// toJSONValue or jsonschema.UnmarshalJSON so numbers are json.Number.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.graphSchema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, viol := range collectViolations(verr) {
			result.AddError(viol.path, schema.ErrCodeValidation, viol.message)
		}
	}
	return result
}

// ValidateGraph validates an already-decoded graph by round-tripping it
// through JSON.
func (v *JSONSchemaValidator) ValidateGraph(g *schema.WorkflowGraph) *schema.ValidationResult {
	doc, err := toJSONValue(g)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph is not JSON-serializable: "+err.Error())
		return r
	}
	return v.ValidateDocument(doc)
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations flattens a ValidationError tree into leaf messages
// addressed like "nodes[1].timeoutMs".
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		return []violation{{path: documentPath(verr.InstanceLocation), message: leafMessage(verr)}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	// The library prefixes leaf messages with the instance location.
	if _, rest, ok := strings.Cut(msg, ": "); ok && strings.HasPrefix(msg, "at ") {
		return rest
	}
	return msg
}

// documentPath renders a JSON pointer as the path notation used in
// ValidationIssue.
func documentPath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	var b strings.Builder
	for i, seg := range loc {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
