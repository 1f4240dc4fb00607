package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/nodeflow/internal/graph"
	"github.com/rendis/nodeflow/pkg/schema"
)

// validateDAG builds the execution graph (cycle detection) and reports
// topology issues that are legal but likely mistakes.
func validateDAG(doc *schema.WorkflowGraph) (*graph.Graph, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	g, err := graph.New(doc.Nodes, doc.Edges)
	if err != nil {
		code := schema.ErrCodeGraph
		var nfErr *schema.NodeflowError
		if errors.As(err, &nfErr) {
			code = nfErr.Code
		}
		result.AddError("edges", code, errorMessage(err))
		return nil, result
	}

	paths := make(map[string]string, len(doc.Nodes))
	for i, n := range doc.Nodes {
		paths[n.ID] = fmt.Sprintf("nodes[%d]", i)
	}

	for _, id := range g.EntryPoints() {
		n, _ := g.Node(id)
		if n.Type != schema.NodeTypeTrigger {
			result.AddWarning(paths[id], schema.ErrCodeGraph,
				fmt.Sprintf("entry node %q is not a trigger and receives the trigger data", id))
		}
	}

	if len(doc.Nodes) > 1 {
		for _, id := range g.TopologicalOrder() {
			if len(g.In[id]) == 0 && len(g.AllSuccessors(id)) == 0 {
				result.AddWarning(paths[id], schema.ErrCodeGraph, fmt.Sprintf("node %q is not connected", id))
			}
		}
	}

	for _, id := range g.TopologicalOrder() {
		n, _ := g.Node(id)
		if !n.IsBranching() {
			continue
		}
		for _, h := range graph.BranchHandles(n) {
			if len(g.Successors(id, h)) == 0 {
				result.AddWarning(paths[id], schema.ErrCodeGraph,
					fmt.Sprintf("branch %q of %q has no successors", h, id))
			}
		}
	}

	for _, id := range g.TopologicalOrder() {
		n, _ := g.Node(id)
		ancestors := upstream(g, id)
		for _, ref := range nodeRefs(n.Config) {
			if _, exists := g.Node(ref); !exists || ancestors[ref] {
				continue
			}
			result.AddWarning(paths[id]+".config", schema.ErrCodeExpression,
				fmt.Sprintf("node %q references %q, which is not upstream and may not have run", id, ref))
		}
	}

	return g, result
}

// upstream returns every node from which id is reachable.
func upstream(g *graph.Graph, id string) map[string]bool {
	seen := make(map[string]bool)
	stack := g.PredecessorsOf(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.PredecessorsOf(cur)...)
	}
	return seen
}
