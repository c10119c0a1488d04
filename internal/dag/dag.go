package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a dependency graph over step IDs. Edges point from a node to its
// dependents, so an edge a->b means a must complete before b starts.
type Graph struct {
	nodes      map[string]struct{}
	dependents map[string][]string
	deps       map[string][]string
}

// New constructs an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]struct{}),
		dependents: make(map[string][]string),
		deps:       make(map[string][]string),
	}
}

// AddNode registers a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	g.nodes[id] = struct{}{}
}

// AddEdge records that from must complete before to. Both endpoints must
// already be registered. Duplicate edges are deduplicated.
func (g *Graph) AddEdge(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("unknown node '%s'", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("unknown node '%s'", to)
	}
	if from == to {
		return fmt.Errorf("self-dependency on node '%s'", to)
	}
	for _, existing := range g.dependents[from] {
		if existing == to {
			return nil
		}
	}
	g.dependents[from] = append(g.dependents[from], to)
	g.deps[to] = append(g.deps[to], from)
	return nil
}

// Build constructs a graph from a step-id -> dependencies map.
func Build(dependencies map[string][]string) (*Graph, error) {
	g := New()
	ids := make([]string, 0, len(dependencies))
	for id := range dependencies {
		g.AddNode(id)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, dep := range dependencies[id] {
			if err := g.AddEdge(dep, id); err != nil {
				return nil, err
			}
		}
	}
	if cycle := g.FindCycle(); cycle != "" {
		return nil, &CycleError{Path: cycle}
	}
	return g, nil
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// CycleError reports a dependency cycle with its formatted path.
type CycleError struct {
	Path string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", e.Path)
}

// FindCycle returns the formatted path of a dependency cycle, or "" when the
// graph is acyclic. Traversal order is deterministic.
func (g *Graph) FindCycle() string {
	const (
		stateUnvisited = 0
		stateVisiting  = 1
		stateVisited   = 2
	)

	state := make(map[string]int, len(g.nodes))
	stack := make([]string, 0, len(g.nodes))
	var cycle string

	var dfs func(string) bool
	dfs = func(node string) bool {
		state[node] = stateVisiting
		stack = append(stack, node)

		next := append([]string(nil), g.dependents[node]...)
		sort.Strings(next)
		for _, n := range next {
			switch state[n] {
			case stateVisiting:
				cycle = formatCycle(stack, n)
				return true
			case stateUnvisited:
				if dfs(n) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = stateVisited
		return false
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == stateUnvisited {
			if dfs(id) {
				return cycle
			}
		}
	}
	return ""
}

// Layers returns the layered topological order: layer N holds every node
// whose dependencies all sit in layers before N. Nodes within a layer are
// sorted for determinism.
func (g *Graph) Layers() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.deps[id])
	}

	var current []string
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var layers [][]string
	placed := 0
	for len(current) > 0 {
		layers = append(layers, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range g.dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if placed != len(g.nodes) {
		if cycle := g.FindCycle(); cycle != "" {
			return nil, &CycleError{Path: cycle}
		}
		return nil, fmt.Errorf("graph has %d unreachable nodes", len(g.nodes)-placed)
	}
	return layers, nil
}

func formatCycle(stack []string, start string) string {
	idx := -1
	for i, n := range stack {
		if n == start {
			idx = i
			break
		}
	}
	if idx == -1 {
		return strings.Join(append(stack, start), " → ")
	}
	cycle := append([]string(nil), stack[idx:]...)
	cycle = append(cycle, start)
	return strings.Join(cycle, " → ")
}
