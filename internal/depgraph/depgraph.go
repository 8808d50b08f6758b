// Package depgraph builds a native-library dependency graph from the
// listings an external ELF dependency tool (lddtree) produces, and computes
// the transitive closure of libraries a binary needs at runtime.
package depgraph

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// Dependency is one consumer/dependency pair from an ELF dependency listing.
type Dependency struct {
	Consumer     string
	Library      string
	ResolvedPath string
}

// Node is one library in the graph. A node without a resolved path is an
// unresolved dependency; that is a warning, not an error, because some
// dependencies are satisfied by the base image.
type Node struct {
	Name         string
	ResolvedPath string
	RequiredBy   []string

	deps map[int]struct{}
}

// Graph is a directed dependency graph from consumer to dependency, keyed by
// library name.
type Graph struct {
	nodes []*Node
	index map[string]int
}

// NewGraph returns an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{index: map[string]int{}}
}

// Build constructs a graph from raw dependency pairs.
func Build(deps []Dependency) *Graph {
	g := NewGraph()
	for _, d := range deps {
		g.Add(d)
	}
	return g
}

// Add records one consumer/dependency edge, creating nodes as needed.
func (g *Graph) Add(d Dependency) {
	ci := g.ensure(d.Consumer)
	li := g.ensure(d.Library)
	if d.ResolvedPath != "" {
		g.nodes[li].ResolvedPath = d.ResolvedPath
	}
	if ci == li {
		// self edge, seen in malformed dumps
		return
	}
	if _, ok := g.nodes[ci].deps[li]; !ok {
		g.nodes[ci].deps[li] = struct{}{}
		g.nodes[li].RequiredBy = append(g.nodes[li].RequiredBy, d.Consumer)
	}
}

// Node returns the node for a library name, if present.
func (g *Graph) Node(name string) (*Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Closure computes the ordered transitive dependency set of root, excluding
// root itself. Traversal is an iterative breadth-first walk over the node
// arena with index-based visited marking, so cyclic dependency dumps
// terminate instead of recursing forever. Children are visited in sorted
// order, which makes the result deterministic and the operation idempotent.
func (g *Graph) Closure(root string) []string {
	start, ok := g.index[root]
	if !ok {
		return nil
	}

	visited := make([]bool, len(g.nodes))
	visited[start] = true
	queue := []int{start}
	var order []string
	cycle := false

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children := make([]int, 0, len(g.nodes[cur].deps))
		for di := range g.nodes[cur].deps {
			children = append(children, di)
		}
		sort.Slice(children, func(i, j int) bool {
			return g.nodes[children[i]].Name < g.nodes[children[j]].Name
		})

		for _, di := range children {
			if visited[di] {
				if di == start {
					cycle = true
				}
				continue
			}
			visited[di] = true
			order = append(order, g.nodes[di].Name)
			queue = append(queue, di)
		}
	}

	if cycle {
		// native linkers tolerate circular dependencies; record the
		// structural oddity but keep the closure
		log.WithField("library", root).Warn("dependency cycle detected in ELF dependency dump")
	}
	return order
}

// Unresolved returns the sorted names of libraries that appear as
// dependencies but have no resolved path in the dump.
func (g *Graph) Unresolved() []string {
	var out []string
	for _, n := range g.nodes {
		if n.ResolvedPath == "" && len(n.RequiredBy) > 0 {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of known libraries.
func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) ensure(name string) int {
	if i, ok := g.index[name]; ok {
		return i
	}
	g.nodes = append(g.nodes, &Node{Name: name, deps: map[int]struct{}{}})
	g.index[name] = len(g.nodes) - 1
	return g.index[name]
}
