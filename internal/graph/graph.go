package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Graph is the normalized, immutable adjacency view of a workflow graph.
// Built once at engine construction; all queries are read-only.
type Graph struct {
	Nodes  map[string]*schema.Node         // node ID -> definition (private copy)
	Out    map[string]map[string][]string  // node ID -> handle -> targets
	In     map[string][]Incoming           // node ID -> incoming edges
	Sorted []string                        // topological order
	Roots  []string                        // nodes without incoming edges
	Levels [][]string                      // dependency depth groups

	index map[string]int // declaration index, used for deterministic ordering
}

// Incoming describes one edge entering a node.
type Incoming struct {
	Source string
	Handle string
}

// validNodeTypes is the set of recognized node categories.
var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeTrigger:   true,
	schema.NodeTypeAction:    true,
	schema.NodeTypeLogic:     true,
	schema.NodeTypeTransform: true,
}

// New validates the declared nodes and edges and builds the adjacency structure.
// Topological sorting uses Kahn's algorithm with declaration order as tie-break.
func New(nodes []schema.Node, edges []schema.Edge) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraph, "graph has no nodes")
	}

	g := &Graph{
		Nodes: make(map[string]*schema.Node, len(nodes)),
		Out:   make(map[string]map[string][]string, len(nodes)),
		In:    make(map[string][]Incoming, len(nodes)),
		index: make(map[string]int, len(nodes)),
	}

	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "duplicate node ID: %s", n.ID)
		}
		if !validNodeTypes[n.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "node %s has unknown type: %q", n.ID, n.Type)
		}
		if n.SubType == "" {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "node %s has no subType", n.ID)
		}
		if n.RetryCount < 0 || n.TimeoutMs < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "node %s has negative retryCount or timeoutMs", n.ID)
		}
		n.Config, _ = schema.CloneValue(n.Config).(map[string]any)
		g.Nodes[n.ID] = &n
		g.index[n.ID] = i
		g.Out[n.ID] = make(map[string][]string)
	}

	seen := make(map[string]bool, len(edges))
	for i, e := range edges {
		src, ok := g.Nodes[e.Source]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "edge %d references non-existent source: %s", i, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "edge %d references non-existent target: %s", i, e.Target)
		}
		if e.Source == e.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", e.Source)
		}
		handle := e.Handle()
		if err := checkHandle(src, handle); err != nil {
			return nil, err
		}
		key := e.Source + "\x00" + handle + "\x00" + e.Target
		if seen[key] {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "duplicate edge %s[%s] -> %s", e.Source, handle, e.Target)
		}
		seen[key] = true

		g.Out[e.Source][handle] = append(g.Out[e.Source][handle], e.Target)
		g.In[e.Target] = append(g.In[e.Target], Incoming{Source: e.Source, Handle: handle})
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	g.Levels = computeLevels(g)

	return g, nil
}

// checkHandle verifies that a source handle is one the node actually owns.
func checkHandle(n *schema.Node, handle string) error {
	for _, h := range BranchHandles(n) {
		if h == handle {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeGraph, "node %s (%s/%s) has no handle %q",
		n.ID, n.Type, n.SubType, handle).
		WithDetails(map[string]any{"allowed": BranchHandles(n)})
}

// BranchHandles returns the source handles a node owns. Conditions own
// true/false, switches own one handle per case plus default, everything
// else owns the single output handle.
func BranchHandles(n *schema.Node) []string {
	if !n.IsBranching() {
		return []string{schema.HandleOutput}
	}
	if n.SubType == schema.SubTypeCondition {
		return []string{schema.HandleTrue, schema.HandleFalse}
	}
	cases, _ := n.Config["cases"].([]any)
	handles := make([]string, 0, len(cases)+1)
	for i := range cases {
		handles = append(handles, CaseHandle(i))
	}
	return append(handles, schema.HandleDefault)
}

// CaseHandle returns the handle name of a switch case.
func CaseHandle(i int) string {
	return schema.HandleCasePrefix + strconv.Itoa(i)
}

// sort runs Kahn's algorithm and records Sorted and Roots.
func (g *Graph) sort() error {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.In[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	g.byDeclaration(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := make([]string, 0)
		for _, targets := range g.Out[node] {
			for _, t := range targets {
				inDegree[t]--
				if inDegree[t] == 0 {
					next = append(next, t)
				}
			}
		}
		g.byDeclaration(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(g.Nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		g.byDeclaration(stuck)
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "graph contains a cycle through: %s", strings.Join(stuck, ", ")).
			WithDetails(map[string]any{"nodes": stuck})
	}

	g.Sorted = sorted
	return nil
}

// computeLevels groups nodes by dependency depth.
// Nodes at the same level have all predecessors in earlier levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))
	maxLevel := 0
	for _, id := range g.Sorted {
		d := 0
		for _, in := range g.In[id] {
			if depth[in.Source]+1 > d {
				d = depth[in.Source] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

func (g *Graph) byDeclaration(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.index[ids[i]] < g.index[ids[j]]
	})
}

// TopologicalOrder returns node IDs so that every node follows its predecessors.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.Sorted))
	copy(out, g.Sorted)
	return out
}

// EntryPoints returns the nodes with no incoming edges, in declaration order.
func (g *Graph) EntryPoints() []string {
	out := make([]string, len(g.Roots))
	copy(out, g.Roots)
	return out
}

// Node returns the definition of a node.
func (g *Graph) Node(id string) (*schema.Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Successors returns the targets reached from nodeID through the chosen handle.
func (g *Graph) Successors(nodeID, handle string) []string {
	if handle == "" {
		handle = schema.HandleOutput
	}
	targets := g.Out[nodeID][handle]
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// AllSuccessors returns the targets of every handle of nodeID, deduplicated
// and in topological order.
func (g *Graph) AllSuccessors(nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, targets := range g.Out[nodeID] {
		for _, t := range targets {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	g.byTopology(out)
	return out
}

// PredecessorsOf returns the distinct upstream nodes of nodeID in edge declaration order.
func (g *Graph) PredecessorsOf(nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, in := range g.In[nodeID] {
		if !seen[in.Source] {
			seen[in.Source] = true
			out = append(out, in.Source)
		}
	}
	return out
}

func (g *Graph) byTopology(ids []string) {
	pos := make(map[string]int, len(g.Sorted))
	for i, id := range g.Sorted {
		pos[id] = i
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return pos[ids[i]] < pos[ids[j]]
	})
}

// String renders the graph as "a -> b [handle]" lines for debugging.
func (g *Graph) String() string {
	var b strings.Builder
	for _, id := range g.Sorted {
		for _, h := range BranchHandles(g.Nodes[id]) {
			for _, t := range g.Out[id][h] {
				fmt.Fprintf(&b, "%s -> %s [%s]\n", id, t, h)
			}
		}
	}
	return b.String()
}

// EdgeState reports, for one incoming edge, whether its source has settled
// (reached a terminal status) and whether flow passes along the edge.
type EdgeState func(in Incoming) (settled, live bool)

// Ready reports whether every incoming edge of id has settled and whether at
// least one of them is live. Entry points are always ready and live.
func (g *Graph) Ready(id string, edge EdgeState) (ready, live bool) {
	if len(g.In[id]) == 0 {
		return true, true
	}
	ready = true
	for _, in := range g.In[id] {
		settled, l := edge(in)
		if !settled {
			ready = false
		}
		if l {
			live = true
		}
	}
	return ready, live
}

// UnreachableAfter runs a mark-and-sweep from the successors of nodeID and
// returns, in topological order, every node that can no longer receive flow:
// all of its incoming edges are settled and none is live. The sweep stops at
// nodes that still have a live or unsettled incoming edge.
func (g *Graph) UnreachableAfter(nodeID string, edge EdgeState) []string {
	marked := make(map[string]bool)
	var out []string

	queue := g.AllSuccessors(nodeID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if marked[id] || !g.unreachable(id, edge, marked) {
			continue
		}
		marked[id] = true
		out = append(out, id)
		queue = append(queue, g.AllSuccessors(id)...)
	}

	g.byTopology(out)
	return out
}

func (g *Graph) unreachable(id string, edge EdgeState, marked map[string]bool) bool {
	for _, in := range g.In[id] {
		if marked[in.Source] {
			continue
		}
		settled, live := edge(in)
		if !settled || live {
			return false
		}
	}
	return true
}
