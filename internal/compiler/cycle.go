package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// Cycle is a loop in the extends relation between declared types. A type
// on a cycle can never be declared because its parent never becomes known.
type Cycle struct {
	Path    []string `json:"path"` // ["A", "B", "A"]: A extends B extends A
	Message string   `json:"message"`
}

// AnalyzeCycles finds every extends cycle among decls.
//
// The algorithm:
//  1. Build the type → parent graph from the declarations
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-extending type
//
// The result is sorted by the first type on each path so repeated runs
// report the same order.
func AnalyzeCycles(decls []ir.TypeDecl) []Cycle {
	if len(decls) == 0 {
		return nil
	}

	graph := buildExtendsGraph(decls)

	var cycles []Cycle
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			cycles = append(cycles, sccToCycle(scc, graph))
		}
	}
	slices.SortFunc(cycles, func(a, b Cycle) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return cycles
}

// extendsGraph maps a type name to the type it extends.
type extendsGraph map[string][]string

func buildExtendsGraph(decls []ir.TypeDecl) extendsGraph {
	graph := make(extendsGraph)
	for _, d := range decls {
		if graph[d.Name] == nil {
			graph[d.Name] = []string{}
		}
		if d.Extends != ir.AnyType {
			graph[d.Name] = append(graph[d.Name], d.Extends)
		}
	}
	return graph
}

func hasSelfLoop(node string, graph extendsGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order.
func tarjanSCC(graph extendsGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component.
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// sccToCycle walks the component from its smallest member along extends
// edges until it returns to the start.
func sccToCycle(scc []string, graph extendsGraph) Cycle {
	start := slices.Min(scc)
	if len(scc) == 1 {
		return Cycle{
			Path:    []string{start, start},
			Message: fmt.Sprintf("type %s extends itself", start),
		}
	}

	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	path := []string{start}
	seen := map[string]bool{start: true}
	current := start
	for {
		var next string
		for _, w := range graph[current] {
			if members[w] && (!seen[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		seen[next] = true
		current = next
	}

	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("extends cycle: %s", strings.Join(path, " → ")),
	}
}
