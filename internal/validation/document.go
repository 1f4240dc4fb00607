package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Format is the encoding of a graph document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Document is a decoded graph document: the typed graph plus the
// JSON-normalized tree the schema is checked against.
type Document struct {
	Graph  *schema.WorkflowGraph
	Format Format
	raw    any
}

// DetectFormat picks the format from the file extension, then from the
// first non-blank byte.
func DetectFormat(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

// LoadFile reads and decodes the graph document at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	return Parse(data, DetectFormat(path, data))
}

// Parse decodes data. YAML documents are normalized through JSON so both
// formats yield identical graphs (numbers become float64).
func Parse(data []byte, format Format) (*Document, error) {
	jsonData := data
	if format == FormatYAML {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML graph document").WithCause(err)
		}
		b, err := json.Marshal(tree)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "YAML graph is not representable as JSON").WithCause(err)
		}
		jsonData = b
	}

	raw, err := toJSONValue(json.RawMessage(jsonData))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON graph document").WithCause(err)
	}

	var g schema.WorkflowGraph
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	if err := dec.Decode(&g); err != nil {
		// Shape errors surface in the schema stage.
		g = schema.WorkflowGraph{}
	}
	return &Document{Graph: &g, Format: format, raw: raw}, nil
}
