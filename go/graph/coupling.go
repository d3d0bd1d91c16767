package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mattepiu/drift/go/store"
)

// ModuleMetrics are the Martin coupling metrics of one module (a top-level
// directory of the scanned tree).
type ModuleMetrics struct {
	Module      string
	Ca          int     // Afferent coupling: modules depending on this one.
	Ce          int     // Efferent coupling: modules this one depends on.
	Instability float64 // I = Ce / (Ca + Ce).
	Abstractness float64 // A: abstract exports ratio.
	Distance    float64 // D = |A + I - 1|.
}

// Cycle is one dependency cycle, canonically rotated to start at its
// minimum module id so each cycle is recorded once.
type Cycle struct {
	Modules  []string
	Severity string
}

// CouplingReport is the outcome of a coupling analysis.
type CouplingReport struct {
	Modules []ModuleMetrics
	Cycles  []Cycle
}

// Coupling computes per-module metrics and detects dependency cycles over
// the resolved edge set. Passing a module restricts the metric rows but
// cycles are always reported whole.
func Coupling(ctx context.Context, st *store.Store, module string) (*CouplingReport, error) {
	// File → module assignment, and function → file.
	var fnModule = map[string]string{}
	var err = store.LoadRows(st.Read(),
		`SELECT id, file FROM functions ORDER BY id`, nil,
		func() []interface{} { return []interface{}{new(string), new(string)} },
		func(l []interface{}) {
			fnModule[*l[0].(*string)] = moduleOf(*l[1].(*string))
		},
	)
	if err != nil {
		return nil, fmt.Errorf("loading functions: %w", err)
	}

	// Module dependency graph from resolved edges.
	var deps = map[string]map[string]bool{}
	edges, err := loadEdges(ctx, st.Read(), `WHERE callee_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	for _, e := range edges {
		var from, to = fnModule[e.CallerID], fnModule[e.CalleeID]
		if from == "" || to == "" || from == to {
			continue
		}
		if deps[from] == nil {
			deps[from] = map[string]bool{}
		}
		deps[from][to] = true
	}

	// Abstractness: the ratio of class-shaped exports (symbols carrying a
	// method qualifier) to all exports of the module.
	var exportsTotal = map[string]int{}
	var exportsAbstract = map[string]int{}
	err = store.LoadRows(st.Read(),
		`SELECT file, symbol FROM exports ORDER BY file, symbol`, nil,
		func() []interface{} { return []interface{}{new(string), new(string)} },
		func(l []interface{}) {
			var m = moduleOf(*l[0].(*string))
			exportsTotal[m]++
			if strings.Contains(*l[1].(*string), ".") {
				exportsAbstract[m]++
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("loading exports: %w", err)
	}

	var modules = map[string]bool{}
	for m := range exportsTotal {
		modules[m] = true
	}
	for _, m := range fnModule {
		modules[m] = true
	}

	var report = &CouplingReport{}
	var names []string
	for m := range modules {
		names = append(names, m)
	}
	sort.Strings(names)

	for _, m := range names {
		if module != "" && m != module {
			continue
		}
		var ce = len(deps[m])
		var ca = 0
		for other, out := range deps {
			if other != m && out[m] {
				ca++
			}
		}

		var metrics = ModuleMetrics{Module: m, Ca: ca, Ce: ce}
		if ca+ce > 0 {
			metrics.Instability = float64(ce) / float64(ca+ce)
		}
		if exportsTotal[m] > 0 {
			metrics.Abstractness = float64(exportsAbstract[m]) / float64(exportsTotal[m])
		}
		metrics.Distance = math.Abs(metrics.Abstractness + metrics.Instability - 1)
		report.Modules = append(report.Modules, metrics)
	}

	report.Cycles = findCycles(deps)
	return report, nil
}

// moduleOf maps a file path to its module: the top-level directory, or the
// file itself at the root.
func moduleOf(file string) string {
	if i := strings.IndexByte(file, '/'); i >= 0 {
		return file[:i]
	}
	return file
}

// findCycles runs DFS with a recursion stack, canonicalizing each cycle by
// rotation so it is recorded once regardless of entry node.
func findCycles(deps map[string]map[string]bool) []Cycle {
	var nodes []string
	for n := range deps {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var seen = map[string]bool{} // Canonical key → recorded.
	var cycles []Cycle

	var stack []string
	var onStack = map[string]bool{}
	var visited = map[string]bool{}

	var visit func(n string)
	visit = func(n string) {
		visited[n] = true
		onStack[n] = true
		stack = append(stack, n)

		var nexts []string
		for next := range deps[n] {
			nexts = append(nexts, next)
		}
		sort.Strings(nexts)

		for _, next := range nexts {
			if onStack[next] {
				// Extract the cycle from the stack tail.
				var start = -1
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				if start >= 0 {
					var cycle = canonicalRotation(append([]string{}, stack[start:]...))
					var key = strings.Join(cycle, "→")
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, Cycle{Modules: cycle, Severity: cycleSeverity(len(cycle))})
					}
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}

		stack = stack[:len(stack)-1]
		onStack[n] = false
	}

	for _, n := range nodes {
		if !visited[n] {
			visit(n)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i].Modules, "→") < strings.Join(cycles[j].Modules, "→")
	})
	return cycles
}

// canonicalRotation rotates a cycle to start at its minimum id.
func canonicalRotation(cycle []string) []string {
	var min = 0
	for i, m := range cycle {
		if m < cycle[min] {
			min = i
		}
	}
	return append(append([]string{}, cycle[min:]...), cycle[:min]...)
}

func cycleSeverity(length int) string {
	switch {
	case length > 5:
		return "critical"
	case length > 3:
		return "high"
	case length > 2:
		return "medium"
	default:
		return "low"
	}
}
