// Package graph provides a directed graph over task ids with the cycle
// analyses the deadlock detector needs. A Graph is built fresh for every
// analysis and is not safe for concurrent mutation.
package graph

import (
	"errors"
	"slices"
	"sort"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a directed graph. An edge A→B means A waits on B.
type Graph struct {
	// nodes is the set of known node ids.
	nodes map[string]bool
	// edges maps a node to the set of nodes it waits on.
	edges map[string]map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...any)
}

// New creates a new empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]bool),
		edges:    make(map[string]map[string]bool),
		debugLog: func(format string, args ...any) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddNode registers a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = true
}

// AddEdge adds from→to, registering both nodes. Duplicate edges collapse.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if g.edges[from] == nil {
		g.edges[from] = make(map[string]bool)
	}
	if !g.edges[from][to] {
		g.debugLog("[graph.AddEdge] %s -> %s", from, to)
	}
	g.edges[from][to] = true
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id string) bool {
	return g.nodes[id]
}

// HasEdge reports whether from→to exists.
func (g *Graph) HasEdge(from, to string) bool {
	return g.edges[from][to]
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Nodes returns every node id, sorted.
func (g *Graph) Nodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Successors returns the nodes id waits on, sorted.
func (g *Graph) Successors(id string) []string {
	out := make([]string, 0, len(g.edges[id]))
	for to := range g.edges[id] {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

// HasCycle returns true if the graph contains a cycle.
// Uses depth-first search with coloring to detect back edges.
func (g *Graph) HasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, next := range g.Successors(id) {
			switch colors[next] {
			case 1:
				return true
			case 0:
				if visit(next) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.Nodes() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns node ids so that every node comes after the
// nodes it waits on. Ties are broken by id.
// Returns ErrCycleDetected if the graph contains a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, next := range g.Successors(id) {
			visit(next)
		}
		result = append(result, id)
	}

	for _, id := range g.Nodes() {
		visit(id)
	}
	return result, nil
}

// StronglyConnectedComponents returns the graph's SCCs using Tarjan's
// algorithm. Each component is sorted, and components are ordered by their
// smallest id.
func (g *Graph) StronglyConnectedComponents() [][]string {
	return g.sccWithin(g.nodes)
}

// sccWithin computes SCCs of the subgraph induced by allowed.
func (g *Graph) sccWithin(allowed map[string]bool) [][]string {
	index := 0
	indices := make(map[string]int, len(allowed))
	lowlink := make(map[string]int, len(allowed))
	onStack := make(map[string]bool, len(allowed))
	var stack []string
	var comps [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Successors(v) {
			if !allowed[w] {
				continue
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			comps = append(comps, comp)
		}
	}

	ids := make([]string, 0, len(allowed))
	for id := range allowed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}

	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps
}

// ElementaryCycles enumerates the elementary cycles of the graph with
// Johnson's algorithm. Every cycle starts at its smallest id and follows
// edge order. The result is deterministic for a given graph. At most limit
// cycles are returned; limit <= 0 means no limit.
func (g *Graph) ElementaryCycles(limit int) [][]string {
	var cycles [][]string
	order := g.Nodes()

	for i, s := range order {
		if limit > 0 && len(cycles) >= limit {
			break
		}

		// Restrict to the SCC containing s in the subgraph of nodes >= s.
		remaining := make(map[string]bool, len(order)-i)
		for _, id := range order[i:] {
			remaining[id] = true
		}
		var comp map[string]bool
		for _, c := range g.sccWithin(remaining) {
			if slices.Contains(c, s) {
				comp = make(map[string]bool, len(c))
				for _, id := range c {
					comp[id] = true
				}
				break
			}
		}
		if len(comp) == 1 && !g.HasEdge(s, s) {
			continue
		}

		blocked := make(map[string]bool)
		blockMap := make(map[string]map[string]bool)
		var path []string

		var unblock func(u string)
		unblock = func(u string) {
			blocked[u] = false
			for w := range blockMap[u] {
				delete(blockMap[u], w)
				if blocked[w] {
					unblock(w)
				}
			}
		}

		var circuit func(v string) bool
		circuit = func(v string) bool {
			found := false
			path = append(path, v)
			blocked[v] = true

			for _, w := range g.Successors(v) {
				if !comp[w] {
					continue
				}
				if limit > 0 && len(cycles) >= limit {
					break
				}
				if w == s {
					cycles = append(cycles, slices.Clone(path))
					found = true
				} else if !blocked[w] && circuit(w) {
					found = true
				}
			}

			if found {
				unblock(v)
			} else {
				for _, w := range g.Successors(v) {
					if !comp[w] {
						continue
					}
					if blockMap[w] == nil {
						blockMap[w] = make(map[string]bool)
					}
					blockMap[w][v] = true
				}
			}
			path = path[:len(path)-1]
			return found
		}

		circuit(s)
	}

	g.debugLog("[graph.ElementaryCycles] found %d cycles over %d nodes", len(cycles), len(g.nodes))
	return cycles
}
