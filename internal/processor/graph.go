// ============================================================================
// mapprint Processor Graph
// ============================================================================
//
// Package: internal/processor
// File: graph.go
// Purpose: Build the dependency graph of processors from declared input and
//          output keys. Edges are implied by key overlap:
//
//            A.Outputs ∩ B.Inputs ≠ ∅   ⇒   A ──> B
//
//          Inputs nobody produces are external and must be in the Values bag
//          before execution starts.
//
// A Graph is immutable once built and can be shared by concurrent jobs.
//
// ============================================================================

package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
)

// Processor is one named computation step.
type Processor interface {
	Name() string
	Inputs() []string
	Outputs() []string
	Execute(ctx context.Context, v *values.Values) (map[string]any, error)
}

type node struct {
	proc       Processor
	deps       []*node
	dependents []*node
}

// Graph is an acyclic set of processors.
type Graph struct {
	nodes    []*node // topological order
	external []string
}

// NewGraph links processors by key overlap and rejects duplicate producers
// and cycles.
func NewGraph(procs ...Processor) (*Graph, error) {
	names := make(map[string]bool, len(procs))
	producers := make(map[string]*node)
	nodes := make([]*node, 0, len(procs))

	for _, p := range procs {
		if names[p.Name()] {
			return nil, &types.ValidationError{Field: "processor", Reason: fmt.Sprintf("duplicate processor name %q", p.Name())}
		}
		names[p.Name()] = true

		n := &node{proc: p}
		for _, out := range p.Outputs() {
			if values.IsProtected(out) {
				return nil, &types.ValidationError{Field: out, Reason: fmt.Sprintf("%s writes a protected key", p.Name())}
			}
			if other, ok := producers[out]; ok {
				return nil, &types.ValidationError{
					Field:  out,
					Reason: fmt.Sprintf("produced by both %s and %s", other.proc.Name(), p.Name()),
				}
			}
			producers[out] = n
		}
		nodes = append(nodes, n)
	}

	external := make(map[string]struct{})
	for _, n := range nodes {
		seen := make(map[*node]bool)
		for _, in := range n.proc.Inputs() {
			dep, ok := producers[in]
			if !ok || dep == n {
				external[in] = struct{}{}
				continue
			}
			if !seen[dep] {
				seen[dep] = true
				n.deps = append(n.deps, dep)
				dep.dependents = append(dep.dependents, n)
			}
		}
	}

	ordered, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	g := &Graph{nodes: ordered}
	for k := range external {
		g.external = append(g.external, k)
	}
	sort.Strings(g.external)
	return g, nil
}

// topoSort orders nodes with Kahn's algorithm, keeping declaration order
// among independent nodes.
func topoSort(nodes []*node) ([]*node, error) {
	indegree := make(map[*node]int, len(nodes))
	for _, n := range nodes {
		indegree[n] = len(n.deps)
	}

	var queue, ordered []*node
	for _, n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		ordered = append(ordered, n)
		for _, d := range n.dependents {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(ordered) != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if indegree[n] > 0 {
				cyclic = append(cyclic, n.proc.Name())
			}
		}
		return nil, &types.ValidationError{Field: "graph", Reason: "cycle between " + strings.Join(cyclic, ", ")}
	}
	return ordered, nil
}

// Processors returns the processors in a dependency respecting order.
func (g *Graph) Processors() []Processor {
	out := make([]Processor, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.proc
	}
	return out
}

// ExternalInputs lists the keys the bag must provide.
func (g *Graph) ExternalInputs() []string {
	return append([]string(nil), g.external...)
}

// Outputs lists every key written by the graph.
func (g *Graph) Outputs() []string {
	var out []string
	for _, n := range g.nodes {
		out = append(out, n.proc.Outputs()...)
	}
	sort.Strings(out)
	return out
}
