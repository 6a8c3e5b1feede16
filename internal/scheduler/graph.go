package scheduler

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// CyclicDependencyError reports a dependency cycle, first node repeated at the end
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError reports a needs entry that names no task
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s needs unknown task %q", e.Task, e.Dependency)
}

// Graph is a validated, acyclic dependency graph over task definitions
type Graph struct {
	defs       []domain.TaskDefinition
	index      map[string]int
	dependents map[string][]string // task -> tasks that need it, declaration order
}

// BuildGraph validates the definitions and returns their dependency graph.
// The result depends only on the input.
func BuildGraph(defs []domain.TaskDefinition) (*Graph, error) {
	g := &Graph{
		defs:       append([]domain.TaskDefinition(nil), defs...),
		index:      make(map[string]int, len(defs)),
		dependents: make(map[string][]string, len(defs)),
	}

	for i, d := range g.defs {
		if _, dup := g.index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %q", d.Name)
		}
		g.index[d.Name] = i
	}

	for _, d := range g.defs {
		seen := make(map[string]bool, len(d.Needs))
		for _, need := range d.Needs {
			if _, ok := g.index[need]; !ok {
				return nil, &UnknownDependencyError{Task: d.Name, Dependency: need}
			}
			if seen[need] {
				continue
			}
			seen[need] = true
			g.dependents[need] = append(g.dependents[need], d.Name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}
	return g, nil
}

// findCycle runs a three-colour DFS along needs edges in declaration order
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.defs))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = grey
		stack = append(stack, name)
		for _, need := range g.defs[g.index[name]].Needs {
			switch color[need] {
			case grey:
				start := 0
				for i, n := range stack {
					if n == need {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, need)
			case white:
				if c := visit(need); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, d := range g.defs {
		if color[d.Name] == white {
			if c := visit(d.Name); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of tasks
func (g *Graph) Len() int { return len(g.defs) }

// Definition returns the definition of a task
func (g *Graph) Definition(name string) (domain.TaskDefinition, bool) {
	i, ok := g.index[name]
	if !ok {
		return domain.TaskDefinition{}, false
	}
	return g.defs[i], true
}

// Needs returns the direct prerequisites of a task
func (g *Graph) Needs(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.defs[i].Needs
}

// Dependents returns the tasks that directly need this one, in declaration order
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}
