package migrations

import (
	"sort"
)

// Graph is the dependency graph between migrations. Nodes are keyed by
// (app, name); edges point from a migration to the migrations it depends on.
//
// Edges to nodes that were never added are kept so Validate can report them.
type Graph struct {
	nodes map[Key]struct{}
	deps  map[Key][]Key // key -> what it depends on
	rdeps map[Key][]Key // key -> what depends on it
}

// NewGraph returns an empty graph
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[Key]struct{}),
		deps:  make(map[Key][]Key),
		rdeps: make(map[Key][]Key),
	}
}

// AddNode registers a migration. Adding a node twice is a no-op.
func (g *Graph) AddNode(k Key) {
	g.nodes[k] = struct{}{}
}

// AddDependency records that from depends on to. Repeated edges are ignored.
func (g *Graph) AddDependency(from, to Key) {
	for _, d := range g.deps[from] {
		if d == to {
			return
		}
	}
	g.deps[from] = append(g.deps[from], to)
	g.rdeps[to] = append(g.rdeps[to], from)
}

// RemoveNode deletes a node and every edge touching it
func (g *Graph) RemoveNode(k Key) {
	for _, d := range g.deps[k] {
		g.rdeps[d] = removeKey(g.rdeps[d], k)
	}
	for _, r := range g.rdeps[k] {
		g.deps[r] = removeKey(g.deps[r], k)
	}
	delete(g.deps, k)
	delete(g.rdeps, k)
	delete(g.nodes, k)
}

// Has reports whether the node exists
func (g *Graph) Has(k Key) bool {
	_, ok := g.nodes[k]
	return ok
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns every node sorted by (app, name)
func (g *Graph) Nodes() []Key {
	out := make([]Key, 0, len(g.nodes))
	for k := range g.nodes {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// Dependencies returns the direct dependencies of k, sorted
func (g *Graph) Dependencies(k Key) []Key {
	return sortedCopy(g.deps[k])
}

// Dependents returns the migrations that depend directly on k, sorted
func (g *Graph) Dependents(k Key) []Key {
	var out []Key
	for _, r := range g.rdeps[k] {
		if g.Has(r) {
			out = append(out, r)
		}
	}
	SortKeys(out)
	return out
}

// Ancestors returns k and everything it transitively depends on, sorted
func (g *Graph) Ancestors(k Key) []Key {
	return g.closure(k, g.deps)
}

// Descendants returns k and everything that transitively depends on it, sorted
func (g *Graph) Descendants(k Key) []Key {
	return g.closure(k, g.rdeps)
}

func (g *Graph) closure(start Key, edges map[Key][]Key) []Key {
	seen := map[Key]bool{start: true}
	stack := []Key{start}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range edges[k] {
			if !seen[n] && g.Has(n) {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	out := make([]Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// Roots returns the nodes of app with no dependency inside the same app
func (g *Graph) Roots(app string) []Key {
	var out []Key
	for _, k := range g.Nodes() {
		if k.App != app {
			continue
		}
		root := true
		for _, d := range g.deps[k] {
			if d.App == app {
				root = false
				break
			}
		}
		if root {
			out = append(out, k)
		}
	}
	return out
}

// Leaves returns the nodes of app that no other node of the same app
// depends on. More than one leaf means the app's history has diverged.
func (g *Graph) Leaves(app string) []Key {
	var out []Key
	for _, k := range g.Nodes() {
		if k.App != app {
			continue
		}
		leaf := true
		for _, r := range g.rdeps[k] {
			if r.App == app && g.Has(r) {
				leaf = false
				break
			}
		}
		if leaf {
			out = append(out, k)
		}
	}
	return out
}

// Apps returns the app scopes present in the graph, sorted
func (g *Graph) Apps() []string {
	seen := make(map[string]bool)
	var apps []string
	for k := range g.nodes {
		if !seen[k.App] {
			seen[k.App] = true
			apps = append(apps, k.App)
		}
	}
	sort.Strings(apps)
	return apps
}

const (
	unvisited = iota
	visiting
	visited
)

// Validate checks that every edge points at a registered node and that the
// graph has no cycle. Nodes and edges are visited in lexical order so the
// reported cycle is stable across runs.
func (g *Graph) Validate() error {
	for _, k := range g.Nodes() {
		for _, d := range g.Dependencies(k) {
			if !g.Has(d) {
				return &NodeNotFoundError{From: k, Missing: d}
			}
		}
	}

	marks := make(map[Key]int, len(g.nodes))
	var path []Key
	var visit func(k Key) error
	visit = func(k Key) error {
		marks[k] = visiting
		path = append(path, k)
		for _, d := range g.Dependencies(k) {
			switch marks[d] {
			case visiting:
				return &CircularDependencyError{Path: cyclePath(path, d)}
			case unvisited:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		marks[k] = visited
		return nil
	}

	for _, k := range g.Nodes() {
		if marks[k] == unvisited {
			if err := visit(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath cuts the DFS path at the first occurrence of the repeated node
// and closes the loop, giving "A -> B -> A".
func cyclePath(path []Key, repeated Key) []Key {
	for i, k := range path {
		if k == repeated {
			out := append([]Key(nil), path[i:]...)
			return append(out, repeated)
		}
	}
	return []Key{repeated, repeated}
}

// TopologicalOrder returns nodes so that every migration follows its
// dependencies. With a subset only those nodes are ordered, using edges
// between them. Ties are broken by (app, name) so the order is deterministic.
func (g *Graph) TopologicalOrder(subset ...Key) ([]Key, error) {
	include := make(map[Key]bool)
	if len(subset) == 0 {
		for k := range g.nodes {
			include[k] = true
		}
	} else {
		for _, k := range subset {
			if !g.Has(k) {
				return nil, &NotFoundError{Location: At(k), Key: k}
			}
			include[k] = true
		}
	}

	indegree := make(map[Key]int, len(include))
	for k := range include {
		for _, d := range g.deps[k] {
			if include[d] {
				indegree[k]++
			}
		}
	}

	var ready []Key
	for k := range include {
		if indegree[k] == 0 {
			ready = append(ready, k)
		}
	}
	SortKeys(ready)

	order := make([]Key, 0, len(include))
	for len(ready) > 0 {
		k := ready[0]
		ready = ready[1:]
		order = append(order, k)

		released := false
		for _, r := range g.rdeps[k] {
			if !include[r] {
				continue
			}
			indegree[r]--
			if indegree[r] == 0 {
				ready = append(ready, r)
				released = true
			}
		}
		if released {
			SortKeys(ready)
		}
	}

	if len(order) != len(include) {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		return nil, &DependencyError{Message: "graph could not be ordered"}
	}
	return order, nil
}

func sortedCopy(keys []Key) []Key {
	out := append([]Key(nil), keys...)
	SortKeys(out)
	return out
}

func removeKey(keys []Key, k Key) []Key {
	out := keys[:0]
	for _, x := range keys {
		if x != k {
			out = append(out, x)
		}
	}
	return out
}
