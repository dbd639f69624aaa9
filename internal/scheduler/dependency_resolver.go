package scheduler

import (
	"fmt"
	"strings"

	"github.com/t77yq/flow-manager/internal/model"
)

// DependencyGraph holds the AND-join edge set of a single workflow.
// It is immutable after BuildDependencyGraph returns.
type DependencyGraph struct {
	order      []string            // task ids in definition order
	deps       map[string][]string // task -> tasks it waits for
	dependents map[string][]string // task -> tasks waiting for it
}

// BuildDependencyGraph validates the definition's task list and edge set.
// Empty or duplicate ids, references to unknown tasks and cycles are all
// rejected with a *StructuralError before anything is scheduled.
func BuildDependencyGraph(specs []model.TaskSpec) (*DependencyGraph, error) {
	if len(specs) == 0 {
		return nil, structural(fmt.Errorf("%w: no tasks", ErrInvalidDefinition))
	}

	g := &DependencyGraph{
		order:      make([]string, 0, len(specs)),
		deps:       make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
	}

	for _, spec := range specs {
		if strings.TrimSpace(spec.ID) == "" {
			return nil, structural(fmt.Errorf("%w: task without id", ErrInvalidDefinition))
		}
		if _, exists := g.deps[spec.ID]; exists {
			return nil, structural(ErrDuplicateTask, spec.ID)
		}
		g.order = append(g.order, spec.ID)
		g.deps[spec.ID] = nil
	}

	for _, spec := range specs {
		seen := make(map[string]bool, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			if _, exists := g.deps[dep]; !exists {
				return nil, structural(ErrUnknownDependency, spec.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[spec.ID] = append(g.deps[spec.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], spec.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, structural(ErrCircularDependency, cycle...)
	}

	return g, nil
}

// findCycle runs a depth-first search with white/gray/black coloring over the
// dependency edges and returns one cycle path, or nil if the graph is acyclic.
func (g *DependencyGraph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(g.order))
	parent := make(map[string]string, len(g.order))
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range g.dependents[id] {
			switch color[next] {
			case white:
				parent[next] = id
				if visit(next) {
					return true
				}
			case gray:
				// Back edge id -> next closes a cycle next ... id -> next.
				path := []string{id}
				for cur := id; cur != next; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(path, next)
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TaskIDs returns the task ids in definition order.
func (g *DependencyGraph) TaskIDs() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the tasks the given task waits for.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.deps[id]
}

// Descendants returns every task transitively depending on the given task,
// in breadth-first order.
func (g *DependencyGraph) Descendants(id string) []string {
	visited := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		queue = append(queue, g.dependents[cur]...)
	}
	return out
}

// Satisfied reports whether every dependency of id has succeeded.
func (g *DependencyGraph) Satisfied(id string, tasks map[string]*model.Task) bool {
	for _, dep := range g.deps[id] {
		t, ok := tasks[dep]
		if !ok || t.Status != model.TaskStatusSucceeded {
			return false
		}
	}
	return true
}

// Promotable returns the pending tasks whose dependencies have all succeeded,
// in definition order.
func (g *DependencyGraph) Promotable(tasks map[string]*model.Task) []string {
	var ready []string
	for _, id := range g.order {
		t, ok := tasks[id]
		if !ok || t.Status != model.TaskStatusPending {
			continue
		}
		if g.Satisfied(id, tasks) {
			ready = append(ready, id)
		}
	}
	return ready
}
