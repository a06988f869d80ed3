// Package reload drives two-phase reconfiguration across the services
// affected by a config change: plan (topological stages), prepare,
// commit, with reverse-order rollback on failure.
package reload

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy selects how a service applies a config change.
type Strategy int

const (
	// ParameterUpdate patches the running instance in place.
	ParameterUpdate Strategy = iota
	// Reinitialize tears internal state down and rebuilds it on the same
	// instance.
	Reinitialize
	// Recreate destroys the instance and rebuilds it from its registry
	// factory; executed by the coordinator, not the service.
	Recreate
)

func (s Strategy) String() string {
	switch s {
	case ParameterUpdate:
		return "parameter_update"
	case Reinitialize:
		return "reinitialize"
	case Recreate:
		return "recreate"
	default:
		return "unknown"
	}
}

// Plan is the topological layering of the affected set. Services in one
// stage have no mutual ordering constraint.
type Plan struct {
	Stages   [][]string
	Strategy map[string]Strategy
	Affected map[string]struct{}
}

// CyclicDependencyError names at least one cycle path among the affected
// services.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic service dependency: " + strings.Join(e.Path, " -> ")
}

// buildPlan layers the affected services with Kahn's algorithm. deps maps
// a service to the services it depends on; only edges inside the affected
// set constrain ordering.
func buildPlan(affected map[string]struct{}, deps map[string][]string) ([][]string, error) {
	indegree := make(map[string]int, len(affected))
	dependents := make(map[string][]string, len(affected))
	for name := range affected {
		indegree[name] = 0
	}
	for name := range affected {
		for _, dep := range deps[name] {
			if _, in := affected[dep]; !in {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var stages [][]string
	remaining := len(affected)
	current := make([]string, 0, len(affected))
	for name, d := range indegree {
		if d == 0 {
			current = append(current, name)
		}
	}

	for len(current) > 0 {
		sort.Strings(current) // deterministic stage membership
		stages = append(stages, current)
		remaining -= len(current)

		var next []string
		for _, done := range current {
			for _, dep := range dependents[done] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if remaining > 0 {
		return nil, &CyclicDependencyError{Path: findCycle(affected, deps, indegree)}
	}
	return stages, nil
}

// findCycle walks the leftover nodes (indegree > 0 after Kahn) until a
// node repeats, yielding one concrete cycle path for the error.
func findCycle(affected map[string]struct{}, deps map[string][]string, indegree map[string]int) []string {
	var start string
	leftovers := make([]string, 0)
	for name, d := range indegree {
		if d > 0 {
			leftovers = append(leftovers, name)
		}
	}
	sort.Strings(leftovers)
	if len(leftovers) == 0 {
		return nil
	}
	start = leftovers[0]

	seen := map[string]int{}
	path := []string{}
	node := start
	for {
		if idx, ok := seen[node]; ok {
			return append(path[idx:], node)
		}
		seen[node] = len(path)
		path = append(path, node)

		advanced := false
		for _, dep := range deps[node] {
			if _, in := affected[dep]; in && indegree[dep] > 0 {
				node = dep
				advanced = true
				break
			}
		}
		if !advanced {
			// Should not happen for a true cycle remnant; fail with what we have.
			return append(path, node)
		}
	}
}

// describe renders a plan for events and logs.
func (p *Plan) describe() string {
	parts := make([]string, len(p.Stages))
	for i, stage := range p.Stages {
		parts[i] = fmt.Sprintf("[%s]", strings.Join(stage, ","))
	}
	return strings.Join(parts, " ")
}
