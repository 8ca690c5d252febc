// Package validation orders workflow step graphs and reports dependency errors.
package validation

import (
	"fmt"
	"strings"
)

// Node is one step in a dependency graph.
type Node struct {
	ID        string
	DependsOn []string
}

// OrderResult is the outcome of ordering a graph.
type OrderResult struct {
	Order     []string // dependency order, ties broken by declaration order
	HasCycle  bool
	CyclePath []string
	Missing   map[string][]string // step -> unknown dependencies
}

// Err summarises the problems in the result, or nil.
func (r OrderResult) Err() error {
	var parts []string
	for id, deps := range r.Missing {
		parts = append(parts, fmt.Sprintf("step %s depends on unknown %s", id, strings.Join(deps, ",")))
	}
	if r.HasCycle {
		parts = append(parts, "circular dependency: "+strings.Join(r.CyclePath, " -> "))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

// Order returns a topological order of nodes (Kahn's algorithm). Among ready
// nodes the one declared first runs first, so a graph without depends_on
// keeps its declared order.
func Order(nodes []Node) OrderResult {
	res := OrderResult{Order: make([]string, 0, len(nodes))}
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	indeg := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, dep := range n.DependsOn {
			j, ok := index[dep]
			if !ok {
				if res.Missing == nil {
					res.Missing = make(map[string][]string)
				}
				res.Missing[n.ID] = append(res.Missing[n.ID], dep)
				continue
			}
			if j == i {
				res.HasCycle = true
				res.CyclePath = []string{n.ID, n.ID}
				continue
			}
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
	}
	if res.HasCycle {
		return res
	}

	done := make([]bool, len(nodes))
	for emitted := 0; emitted < len(nodes); emitted++ {
		next := -1
		for i := range nodes {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			res.HasCycle = true
			res.CyclePath = findCycle(nodes, index, done)
			res.Order = nil
			return res
		}
		done[next] = true
		res.Order = append(res.Order, nodes[next].ID)
		for _, d := range dependents[next] {
			indeg[d]--
		}
	}
	return res
}

// findCycle walks depends_on edges among unfinished nodes until a node repeats.
func findCycle(nodes []Node, index map[string]int, done []bool) []string {
	start := -1
	for i := range nodes {
		if !done[i] {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	pos := map[int]int{}
	var path []int
	cur := start
	for {
		if p, seen := pos[cur]; seen {
			ids := make([]string, 0, len(path)-p+1)
			for _, i := range path[p:] {
				ids = append(ids, nodes[i].ID)
			}
			return append(ids, nodes[cur].ID)
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := -1
		for _, dep := range nodes[cur].DependsOn {
			if j, ok := index[dep]; ok && !done[j] {
				next = j
				break
			}
		}
		if next < 0 {
			return nil
		}
		cur = next
	}
}
