// Package graph orders resource descriptors by their dependencies.
//
// Ordering is deterministic: among descriptors whose dependencies are all
// satisfied, the one declared first goes first. Identical input always yields
// identical output, so plans are reproducible and resumable.
package graph

import (
	"container/heap"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
)

// index is the validated adjacency form of a descriptor set. Node i is the
// i-th descriptor in declaration order.
type index struct {
	ids      []string
	outgoing [][]int // dependency -> dependents, ascending
	incoming [][]int // dependent -> dependencies, declaration order
	indeg    []int
}

func build(descs []resource.Descriptor) (*index, error) {
	pos := make(map[string]int, len(descs))
	for i, d := range descs {
		if d.ID == "" {
			return nil, resource.Invalidf("descriptor %d has an empty id", i)
		}
		if !d.Kind.Known() {
			return nil, resource.Invalidf("descriptor %q has unknown kind %q", d.ID, d.Kind)
		}
		if _, dup := pos[d.ID]; dup {
			return nil, resource.Invalidf("duplicate descriptor id %q", d.ID)
		}
		pos[d.ID] = i
	}

	g := &index{
		ids:      make([]string, len(descs)),
		outgoing: make([][]int, len(descs)),
		incoming: make([][]int, len(descs)),
		indeg:    make([]int, len(descs)),
	}
	for i, d := range descs {
		g.ids[i] = d.ID
		seen := make(map[int]bool, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			j, ok := pos[dep]
			if !ok {
				return nil, &resource.UnknownDependencyError{ID: d.ID, Dependency: dep}
			}
			// repeated edges would double count indegree
			if seen[j] {
				continue
			}
			seen[j] = true
			g.incoming[i] = append(g.incoming[i], j)
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	// outgoing lists are filled in ascending i order already
	return g, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topo runs Kahn's algorithm with a min-heap ready queue keyed by
// declaration index. The result is short when the graph has a cycle.
func (g *index) topo() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// Order returns descriptor ids such that every id appears after all of its
// dependencies. It fails with *resource.UnknownDependencyError,
// *resource.CycleError or *resource.GraphError and has no side effects.
func Order(descs []resource.Descriptor) ([]string, error) {
	g, err := build(descs)
	if err != nil {
		return nil, err
	}
	order := g.topo()
	if len(order) != len(g.ids) {
		return nil, &resource.CycleError{Path: g.findCycle()}
	}
	out := make([]string, len(order))
	for i, n := range order {
		out[i] = g.ids[n]
	}
	return out, nil
}

// Layers groups ids by dependency depth: layer 0 has no dependencies, layer k
// depends on something in layer k-1. Ids inside a layer keep declaration order.
func Layers(descs []resource.Descriptor) ([][]string, error) {
	g, err := build(descs)
	if err != nil {
		return nil, err
	}
	order := g.topo()
	if len(order) != len(g.ids) {
		return nil, &resource.CycleError{Path: g.findCycle()}
	}
	depth := make([]int, len(g.ids))
	maxDepth := 0
	for _, n := range order {
		for _, dep := range g.incoming[n] {
			if depth[dep]+1 > depth[n] {
				depth[n] = depth[dep] + 1
			}
		}
		if depth[n] > maxDepth {
			maxDepth = depth[n]
		}
	}
	if len(g.ids) == 0 {
		return nil, nil
	}
	layers := make([][]string, maxDepth+1)
	for i, id := range g.ids {
		layers[depth[i]] = append(layers[depth[i]], id)
	}
	return layers, nil
}

// Remaining returns the suffix of order starting at the first id that is not
// in completed. It is a pure function of its inputs.
func Remaining(order []string, completed []string) []string {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	for i, id := range order {
		if !done[id] {
			return append([]string(nil), order[i:]...)
		}
	}
	return nil
}

// findCycle extracts one cycle with a DFS over declaration indices, following
// edges from each node to its dependencies. The witness reads in dependency
// direction and starts and ends on the same id.
func (g *index) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.incoming[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// back edge u -> v, walk parents from u back to v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = g.ids[cycle[len(cycle)-1-i]]
	}
	return out
}
