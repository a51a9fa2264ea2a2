package schema

import (
	"fmt"
	"strings"

	"github.com/roach88/unitofwork/internal/model"
)

// CycleWarning reports types whose required references form a cycle.
//
// Required-reference cycles are warnings, not errors: a store that defers
// constraint checks inserts them in one pass. Without deferral the insert
// loop fails with UNRESOLVED_DEPENDENCY. Cycles through derived key
// components can never be inserted and are reported at level "error".
type CycleWarning struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
	Level   string   `json:"level"`
}

// dependencyGraph maps a type name to the types it must be inserted after.
type dependencyGraph struct {
	order []string
	edges map[string][]string

	// derived marks edges that come from derived key components.
	derived map[[2]string]bool
}

// AnalyzeCycles finds required-reference cycles in m, in declaration order.
func AnalyzeCycles(m *model.Model) []CycleWarning {
	g := buildDependencyGraph(m)
	var warnings []CycleWarning
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 || hasSelfLoop(scc[0], g) {
			warnings = append(warnings, cycleWarning(scc, g))
		}
	}
	return warnings
}

func buildDependencyGraph(m *model.Model) dependencyGraph {
	g := dependencyGraph{edges: make(map[string][]string), derived: make(map[[2]string]bool)}
	for _, t := range m.Types() {
		g.order = append(g.order, t.Name)
		g.edges[t.Name] = []string{}
		for _, r := range t.Refs {
			if r.Required {
				g.edges[t.Name] = append(g.edges[t.Name], r.Target)
			}
		}
		for _, kf := range t.Keys {
			if kf.From == "" {
				continue
			}
			r, _ := t.Ref(kf.From)
			g.derived[[2]string{t.Name, r.Target}] = true
			if !r.Required {
				g.edges[t.Name] = append(g.edges[t.Name], r.Target)
			}
		}
	}
	return g
}

func hasSelfLoop(node string, g dependencyGraph) bool {
	for _, n := range g.edges[node] {
		if n == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// declaration order so results are stable.
func tarjanSCC(g dependencyGraph) [][]string {
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

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

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

	for _, node := range g.order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleWarning(scc []string, g dependencyGraph) CycleWarning {
	path := cyclePath(scc, g)
	level := "warning"
	for i := 0; i+1 < len(path); i++ {
		if g.derived[[2]string{path[i], path[i+1]}] {
			level = "error"
		}
	}
	if len(scc) == 1 {
		return CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("type %s requires itself; insert needs deferred constraints", scc[0]),
			Level:   level,
		}
	}
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("required reference cycle: %s", strings.Join(path, " → ")),
		Level:   level,
	}
}

// cyclePath walks the SCC from its earliest declared member back to it.
func cyclePath(scc []string, g dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	var start string
	for _, n := range g.order {
		if members[n] {
			start = n
			break
		}
	}
	path := []string{start}
	visited := map[string]bool{}
	current := start
	for {
		visited[current] = true
		var next string
		for _, n := range g.edges[current] {
			if members[n] && (!visited[n] || n == start) {
				next = n
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
		current = next
	}
	return path
}
