package workflow

import (
	"fmt"
	"strings"

	"agentcore/internal/domain"
)

// Graph is the compiled dependency structure of a workflow.
type Graph struct {
	Steps map[string]domain.WorkflowStep
	// Deps maps a step to the steps it waits for.
	Deps map[string][]string
	// Order is a topological order that keeps declaration order among ready steps.
	Order []string
}

// BuildGraph validates the workflow and orders its steps.
func BuildGraph(wf domain.Workflow) (*Graph, error) {
	if strings.TrimSpace(wf.ID) == "" {
		return nil, fmt.Errorf("%w: workflow id is required", domain.ErrInvalidWorkflow)
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("%w: workflow %s has no steps", domain.ErrInvalidWorkflow, wf.ID)
	}

	g := &Graph{
		Steps: make(map[string]domain.WorkflowStep, len(wf.Steps)),
		Deps:  make(map[string][]string, len(wf.Steps)),
	}
	declared := make([]string, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: step id is required", domain.ErrInvalidWorkflow)
		}
		if step.TaskType == "" {
			return nil, fmt.Errorf("%w: step %s has empty task_type", domain.ErrInvalidWorkflow, id)
		}
		if _, exists := g.Steps[id]; exists {
			return nil, fmt.Errorf("%w: duplicate step id %s", domain.ErrInvalidWorkflow, id)
		}
		deps := make([]string, 0, len(step.Dependencies))
		seen := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" || seen[dep] {
				continue
			}
			if dep == id {
				return nil, fmt.Errorf("%w: step %s depends on itself", domain.ErrWorkflowCycle, id)
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		step.ID = id
		step.Dependencies = deps
		g.Steps[id] = step
		g.Deps[id] = deps
		declared = append(declared, id)
	}
	for _, id := range declared {
		for _, dep := range g.Deps[id] {
			if _, ok := g.Steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on unknown step %s", domain.ErrInvalidWorkflow, id, dep)
			}
		}
	}

	order, err := topoSort(declared, g.Deps)
	if err != nil {
		return nil, err
	}
	g.Order = order
	return g, nil
}

// topoSort is Kahn's algorithm, scanning in declaration order each round so
// the result is deterministic.
func topoSort(declared []string, deps map[string][]string) ([]string, error) {
	remaining := make(map[string]int, len(declared))
	dependents := make(map[string][]string, len(declared))
	for _, id := range declared {
		remaining[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	order := make([]string, 0, len(declared))
	done := make(map[string]bool, len(declared))
	for len(order) < len(declared) {
		progressed := false
		for _, id := range declared {
			if done[id] || remaining[id] > 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			progressed = true
			for _, next := range dependents[id] {
				remaining[next]--
			}
		}
		if !progressed {
			stuck := make([]string, 0)
			for _, id := range declared {
				if !done[id] {
					stuck = append(stuck, id)
				}
			}
			return nil, fmt.Errorf("%w: steps %s", domain.ErrWorkflowCycle, strings.Join(stuck, ", "))
		}
	}
	return order, nil
}

// Ancestors returns every step id that id transitively depends on.
func (g *Graph) Ancestors(id string) map[string]bool {
	out := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.Deps[cur] {
			if out[dep] {
				continue
			}
			out[dep] = true
			walk(dep)
		}
	}
	walk(id)
	return out
}
