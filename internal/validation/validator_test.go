package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

const alertGraphJSON = `{
  "name": "alert on failure",
  "nodes": [
    {"id": "start", "type": "trigger", "subType": "manual", "position": {"x": 0, "y": 0}},
    {"id": "fetch", "type": "action", "subType": "http", "config": {"url": "https://example.com/health"}, "timeoutMs": 5000},
    {"id": "check", "type": "logic", "subType": "condition", "config": {"value": "{{ $node[\"fetch\"].json.status_code == 500 }}"}},
    {"id": "alert", "type": "action", "subType": "set", "config": {"values": {"msg": "down"}}},
    {"id": "ok", "type": "action", "subType": "set", "config": {"values": {"msg": "up"}}}
  ],
  "edges": [
    {"source": "start", "target": "fetch"},
    {"source": "fetch", "target": "check"},
    {"source": "check", "target": "alert", "sourceHandle": "true"},
    {"source": "check", "target": "ok", "sourceHandle": "false"}
  ]
}`

const alertGraphYAML = `
name: alert on failure
nodes:
  - id: start
    type: trigger
    subType: manual
  - id: fetch
    type: action
    subType: http
    config:
      url: https://example.com/health
    timeoutMs: 5000
  - id: check
    type: logic
    subType: condition
    config:
      value: '{{ $node["fetch"].json.status_code == 500 }}'
  - id: alert
    type: action
    subType: set
    config:
      values: {msg: down}
  - id: ok
    type: action
    subType: set
    config:
      values: {msg: up}
edges:
  - {source: start, target: fetch}
  - {source: fetch, target: check}
  - {source: check, target: alert, sourceHandle: "true"}
  - {source: check, target: ok, sourceHandle: "false"}
`

func newTestValidator(t *testing.T) *GraphValidator {
	t.Helper()
	reg, err := nodes.NewBuiltinRegistry(nodes.BuiltinConfig{})
	require.NoError(t, err)
	v, err := NewGraphValidator(reg)
	require.NoError(t, err)
	return v
}

func parseJSON(t *testing.T, doc string) *Document {
	t.Helper()
	d, err := Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)
	return d
}

func hasIssue(issues []schema.ValidationIssue, path, code string) bool {
	for _, i := range issues {
		if i.Path == path && i.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_ValidGraph(t *testing.T) {
	v := newTestValidator(t)

	result := v.Validate(parseJSON(t, alertGraphJSON))
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, result.ToError())
}

func TestParse_YAMLMatchesJSON(t *testing.T) {
	fromJSON := parseJSON(t, alertGraphJSON)
	fromYAML, err := Parse([]byte(alertGraphYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, fromJSON.Graph, fromYAML.Graph)
	assert.Equal(t, 5000, fromYAML.Graph.Nodes[1].TimeoutMs)
	assert.Equal(t, "true", fromYAML.Graph.Edges[2].SourceHandle)

	result := newTestValidator(t).Validate(fromYAML)
	assert.True(t, result.Valid(), "%+v", result.Errors)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte(`{"nodes": [`), FormatJSON)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Parse([]byte("nodes: [\n  - id: a\n bad"), FormatYAML)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatYAML, DetectFormat("flow.yml", nil))
	assert.Equal(t, FormatYAML, DetectFormat("flow.YAML", []byte("{}")))
	assert.Equal(t, FormatJSON, DetectFormat("flow.json", []byte("nodes: []")))
	assert.Equal(t, FormatJSON, DetectFormat("-", []byte("  \n{\"nodes\": []}")))
	assert.Equal(t, FormatYAML, DetectFormat("-", []byte("nodes: []")))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(alertGraphYAML), 0o600))

	doc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, doc.Format)
	assert.Len(t, doc.Graph.Nodes, 5)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestValidate_SchemaViolations(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"missing nodes", `{"edges": []}`, "/"},
		{"empty nodes", `{"nodes": []}`, "nodes"},
		{"bad type", `{"nodes": [{"id": "a", "type": "widget", "subType": "x"}]}`, "nodes[0].type"},
		{"negative timeout", `{"nodes": [{"id": "a", "type": "trigger", "subType": "manual", "timeoutMs": -1}]}`, "nodes[0].timeoutMs"},
		{"unknown backoff", `{"nodes": [{"id": "a", "type": "trigger", "subType": "manual", "retryBackoff": "fibonacci"}]}`, "nodes[0].retryBackoff"},
		{"edge without target", `{"nodes": [{"id": "a", "type": "trigger", "subType": "manual"}], "edges": [{"source": "a"}]}`, "edges[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(parseJSON(t, tt.doc))
			require.False(t, result.Valid())
			assert.True(t, hasIssue(result.Errors, tt.path, schema.ErrCodeValidation), "%+v", result.Errors)
		})
	}
}

func TestValidate_SemanticErrorsAreCollected(t *testing.T) {
	v := newTestValidator(t)

	doc := parseJSON(t, `{
	  "nodes": [
	    {"id": "a", "type": "trigger", "subType": "manual"},
	    {"id": "a", "type": "action", "subType": "set", "config": {"values": {}}},
	    {"id": "b", "type": "action", "subType": "nope"},
	    {"id": "c", "type": "action", "subType": "set", "config": {"values": {"x": "{{ 1 + }}"}}},
	    {"id": "d", "type": "action", "subType": "set"}
	  ],
	  "edges": [
	    {"source": "a", "target": "ghost"},
	    {"source": "a", "target": "b", "sourceHandle": "true"},
	    {"source": "b", "target": "b"}
	  ]
	}`)
	result := v.Validate(doc)
	require.False(t, result.Valid())

	assert.True(t, hasIssue(result.Errors, "nodes[1].id", schema.ErrCodeGraph))
	assert.True(t, hasIssue(result.Errors, "nodes[2].subType", schema.ErrCodeUnknownNodeType))
	assert.True(t, hasIssue(result.Errors, "nodes[3].config.values.x", schema.ErrCodeExpression))
	assert.True(t, hasIssue(result.Errors, "nodes[4].config", schema.ErrCodeValidation))
	assert.True(t, hasIssue(result.Errors, "edges[0].target", schema.ErrCodeGraph))
	assert.True(t, hasIssue(result.Errors, "edges[1].sourceHandle", schema.ErrCodeGraph))
	assert.True(t, hasIssue(result.Errors, "edges[2]", schema.ErrCodeCycleDetected))

	err := result.ToError()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidate_ConfigWithExpressionsOnlyWarns(t *testing.T) {
	v := newTestValidator(t)

	doc := parseJSON(t, `{"nodes": [
	  {"id": "a", "type": "trigger", "subType": "manual"},
	  {"id": "s", "type": "logic", "subType": "switch", "config": {"cases": "{{ $json.cases }}", "value": 1}}
	], "edges": [{"source": "a", "target": "s"}]}`)
	result := v.Validate(doc)
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.True(t, hasIssue(result.Warnings, "nodes[1].config", schema.ErrCodeValidation))
}

func TestValidate_Cycle(t *testing.T) {
	v := newTestValidator(t)

	doc := parseJSON(t, `{"nodes": [
	  {"id": "a", "type": "trigger", "subType": "manual"},
	  {"id": "b", "type": "action", "subType": "set", "config": {"values": {}}},
	  {"id": "c", "type": "action", "subType": "set", "config": {"values": {}}}
	], "edges": [
	  {"source": "a", "target": "b"},
	  {"source": "b", "target": "c"},
	  {"source": "c", "target": "b"}
	]}`)
	result := v.Validate(doc)
	require.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.True(t, schema.IsCode(result.ToError(), schema.ErrCodeCycleDetected))
}

func TestValidate_TopologyWarnings(t *testing.T) {
	v := newTestValidator(t)

	doc := parseJSON(t, `{"nodes": [
	  {"id": "a", "type": "trigger", "subType": "manual"},
	  {"id": "cond", "type": "logic", "subType": "condition", "config": {"value": true}},
	  {"id": "yes", "type": "action", "subType": "set", "config": {"values": {"from": "{{ $node[\"later\"].json }}"}}},
	  {"id": "later", "type": "action", "subType": "set", "config": {"values": {}}},
	  {"id": "lonely", "type": "action", "subType": "set", "config": {"values": {"x": "{{ $node[\"nobody\"].json }}"}}}
	], "edges": [
	  {"source": "a", "target": "cond"},
	  {"source": "cond", "target": "yes", "sourceHandle": "true"},
	  {"source": "a", "target": "later"}
	]}`)
	result := v.Validate(doc)
	require.True(t, result.Valid(), "%+v", result.Errors)

	assert.True(t, hasIssue(result.Warnings, "nodes[1]", schema.ErrCodeGraph), "branch false has no successors")
	assert.True(t, hasIssue(result.Warnings, "nodes[4]", schema.ErrCodeGraph), "lonely is entry and disconnected")
	assert.True(t, hasIssue(result.Warnings, "nodes[2].config", schema.ErrCodeExpression), "later is not upstream of yes")
	assert.True(t, hasIssue(result.Warnings, "nodes[4].config", schema.ErrCodeExpression), "nobody does not exist")
}

func TestBuild(t *testing.T) {
	v := newTestValidator(t)

	g, result := v.Build(parseJSON(t, alertGraphJSON).Graph)
	require.True(t, result.Valid())
	require.NotNil(t, g)
	assert.Equal(t, []string{"start", "fetch", "check", "alert", "ok"}, g.TopologicalOrder())

	g, result = v.Build(&schema.WorkflowGraph{})
	assert.Nil(t, g)
	assert.False(t, result.Valid())

	g, result = v.Build(nil)
	assert.Nil(t, g)
	assert.False(t, result.Valid())
}

func TestValidate_WithoutRegistry(t *testing.T) {
	v, err := NewGraphValidator(nil)
	require.NoError(t, err)

	doc := parseJSON(t, `{"nodes": [{"id": "a", "type": "action", "subType": "custom-thing"}]}`)
	result := v.Validate(doc)
	assert.True(t, result.Valid(), "%+v", result.Errors)
}

func TestDocumentPath(t *testing.T) {
	assert.Equal(t, "/", documentPath(nil))
	assert.Equal(t, "nodes[2].config.values", documentPath([]string{"nodes", "2", "config", "values"}))
	assert.Equal(t, "edges[0]", documentPath([]string{"edges", "0"}))
}
