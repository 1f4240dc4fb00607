package validation

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/graph"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// HandlerLookup resolves node handlers. Satisfied by *nodes.Registry.
type HandlerLookup interface {
	Get(typ schema.NodeType, subType string) (nodes.Handler, error)
}

var nodeRefPattern = regexp.MustCompile(`\$node\[\s*"([^"]+)"\s*\]`)

// validateSemantic collects every structural graph problem instead of
// stopping at the first, then checks handlers, configs and expressions.
func validateSemantic(g *schema.WorkflowGraph, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]*schema.Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path+".id", schema.ErrCodeGraph, "node id is empty")
			continue
		}
		if _, dup := ids[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeGraph, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = n
		validateNode(n, path, lookup, result)
	}

	seen := make(map[string]bool, len(g.Edges))
	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		src, srcOK := ids[e.Source]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeGraph, fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeGraph, fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Source == e.Target && e.Source != "" {
			result.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("node %q has an edge to itself", e.Source))
		}
		if srcOK {
			if allowed := graph.BranchHandles(src); !slices.Contains(allowed, e.Handle()) {
				result.AddError(path+".sourceHandle", schema.ErrCodeGraph,
					fmt.Sprintf("node %q has no handle %q (allowed: %s)", e.Source, e.Handle(), strings.Join(allowed, ", ")))
			}
		}
		key := e.Source + "\x00" + e.Handle() + "\x00" + e.Target
		if seen[key] {
			result.AddError(path, schema.ErrCodeGraph, fmt.Sprintf("duplicate edge %s[%s] -> %s", e.Source, e.Handle(), e.Target))
		}
		seen[key] = true
	}

	// Node references are checked once every id is known.
	for i := range g.Nodes {
		for _, ref := range nodeRefs(g.Nodes[i].Config) {
			if _, ok := ids[ref]; !ok {
				result.AddWarning(fmt.Sprintf("nodes[%d].config", i), schema.ErrCodeExpression,
					fmt.Sprintf("expression references unknown node %q", ref))
			}
		}
	}

	return result
}

func validateNode(n *schema.Node, path string, lookup HandlerLookup, result *schema.ValidationResult) {
	if n.RetryCount < 0 {
		result.AddError(path+".retryCount", schema.ErrCodeValidation, "must not be negative")
	}
	if n.TimeoutMs < 0 {
		result.AddError(path+".timeoutMs", schema.ErrCodeValidation, "must not be negative")
	}

	walkStrings(n.Config, path+".config", func(p, s string) {
		if err := expressions.Check(s); err != nil {
			result.AddError(p, schema.ErrCodeExpression, errorMessage(err))
		}
	})

	if lookup == nil {
		return
	}
	h, err := lookup.Get(n.Type, n.SubType)
	if err != nil {
		result.AddError(path+".subType", schema.ErrCodeUnknownNodeType, errorMessage(err))
		return
	}
	cv, ok := h.(nodes.ConfigValidator)
	if !ok {
		return
	}
	if err := cv.ValidateConfig(n.Config); err != nil {
		// Expressions may fill in what the static config lacks.
		if hasExpression(n.Config) {
			result.AddWarning(path+".config", schema.ErrCodeValidation, errorMessage(err))
			return
		}
		result.AddError(path+".config", schema.ErrCodeValidation, errorMessage(err))
	}
}

// walkStrings calls fn for every string leaf of v with its document path.
func walkStrings(v any, path string, fn func(path, s string)) {
	switch t := v.(type) {
	case string:
		fn(path, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkStrings(t[k], path+"."+k, fn)
		}
	case []any:
		for i, item := range t {
			walkStrings(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

func hasExpression(config map[string]any) bool {
	found := false
	walkStrings(config, "", func(_, s string) {
		if expressions.IsExpression(s) {
			found = true
		}
	})
	return found
}

// nodeRefs returns the distinct node ids referenced via $node["id"] in
// config, in first-seen order.
func nodeRefs(config map[string]any) []string {
	var refs []string
	walkStrings(config, "", func(_, s string) {
		if !expressions.IsExpression(s) {
			return
		}
		for _, m := range nodeRefPattern.FindAllStringSubmatch(s, -1) {
			if !slices.Contains(refs, m[1]) {
				refs = append(refs, m[1])
			}
		}
	})
	return refs
}

func errorMessage(err error) string {
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.Message
	}
	return err.Error()
}
