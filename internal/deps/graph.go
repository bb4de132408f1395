// Package deps builds and orders the service dependency graph.
package deps

import (
	"fmt"
	"sort"
)

// Graph is a directed graph of service dependencies. Edges point from a
// service to what it depends on.
type Graph struct {
	adj     map[string][]string
	all     map[string]bool
	unknown map[string][]string // service -> declared deps that are not known services
}

// Build constructs the graph from name -> depends_on adjacency. Declared
// dependencies that are not themselves known services are dropped from the
// graph and reported by Unknown.
func Build(services map[string][]string) *Graph {
	g := &Graph{
		adj:     make(map[string][]string),
		all:     make(map[string]bool),
		unknown: make(map[string][]string),
	}

	for name := range services {
		g.all[name] = true
	}

	for name, declared := range services {
		var deps []string
		for _, dep := range declared {
			if dep == "" || dep == name {
				continue
			}
			if g.all[dep] {
				deps = append(deps, dep)
			} else {
				g.unknown[name] = append(g.unknown[name], dep)
			}
		}
		if len(deps) > 0 {
			g.adj[name] = deps
		}
	}

	return g
}

// Unknown returns declared dependencies that were dropped because no known
// service carries that name.
func (g *Graph) Unknown() map[string][]string {
	out := make(map[string][]string, len(g.unknown))
	for name, deps := range g.unknown {
		cp := make([]string, len(deps))
		copy(cp, deps)
		sort.Strings(cp)
		out[name] = cp
	}
	return out
}

// Sort returns all services in topological order (dependencies first) using
// Kahn's algorithm. Returns an error if the graph has a cycle.
func (g *Graph) Sort() ([]string, error) {
	inDegree := make(map[string]int)
	reverse := make(map[string][]string) // dep -> dependents

	for name := range g.all {
		inDegree[name] = 0
	}

	for name, deps := range g.adj {
		for _, dep := range deps {
			inDegree[name]++
			reverse[dep] = append(reverse[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue) // deterministic ordering

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		dependents := reverse[node]
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) != len(g.all) {
		return result, fmt.Errorf("dependency cycle detected: processed %d of %d services", len(result), len(g.all))
	}

	return result, nil
}

// Closure returns the transitive dependencies of one service in start order
// (dependencies first, the service itself excluded). Returns an error if the
// reachable subgraph has a cycle.
func (g *Graph) Closure(name string) ([]string, error) {
	seen := make(map[string]bool)
	var visit func(n string)
	visit = func(n string) {
		for _, dep := range g.adj[n] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(name)
	if len(seen) == 0 {
		return nil, nil
	}
	if seen[name] {
		return nil, fmt.Errorf("dependency cycle through %s", name)
	}

	order, err := g.Sort()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, n := range order {
		if seen[n] {
			result = append(result, n)
		}
	}
	return result, nil
}

// DetectCycles uses three-colour DFS to find circular dependencies.
func (g *Graph) DetectCycles() [][]string {
	const (
		white = 0 // unvisited
		grey  = 1 // in progress
		black = 2 // done
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cycles [][]string

	var dfs func(node string)
	dfs = func(node string) {
		color[node] = grey
		for _, dep := range g.adj[node] {
			if color[dep] == grey {
				// Found cycle -- trace back
				cycle := []string{dep, node}
				cur := node
				for cur != dep {
					cur = parent[cur]
					if cur == "" || cur == dep {
						break
					}
					cycle = append(cycle, cur)
				}
				cycles = append(cycles, cycle)
			} else if color[dep] == white {
				parent[dep] = node
				dfs(dep)
			}
		}
		color[node] = black
	}

	names := make([]string, 0, len(g.all))
	for name := range g.all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			dfs(name)
		}
	}

	return cycles
}

// Dependents returns services that depend on the given service directly.
func (g *Graph) Dependents(name string) []string {
	var result []string
	for svc, deps := range g.adj {
		for _, dep := range deps {
			if dep == name {
				result = append(result, svc)
				break
			}
		}
	}
	sort.Strings(result)
	return result
}

// Dependencies returns what the given service depends on directly.
func (g *Graph) Dependencies(name string) []string {
	deps := g.adj[name]
	if deps == nil {
		return nil
	}
	result := make([]string, len(deps))
	copy(result, deps)
	sort.Strings(result)
	return result
}
