package workflow

import (
	"fmt"
	"sort"
)

// DependencyGraph indexes a set of tasks by their dependency relation and
// answers readiness and ordering queries. It is a value snapshot, not a
// live view; callers rebuild it from store state as needed.
type DependencyGraph struct {
	tasks      map[string]*Task
	inDegree   map[string]int
	dependents map[string][]string
}

// NewDependencyGraph builds a graph from tasks, validating that every
// dependency edge lands on a task in the set and that the relation is
// acyclic.
func NewDependencyGraph(tasks []*Task) (*DependencyGraph, error) {
	g := &DependencyGraph{
		tasks:      make(map[string]*Task, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for _, t := range tasks {
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s", t.ID)
		}
		g.tasks[t.ID] = t
		g.inDegree[t.ID] = 0
	}

	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, depID)
			}
			g.inDegree[t.ID]++
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm; if some tasks cannot be ordered the
// relation contains a cycle.
func (g *DependencyGraph) checkAcyclic() error {
	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}

	var queue []string
	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[id] {
			degree[dep]--
			if degree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(g.tasks) {
		return fmt.Errorf("dependency cycle: %d of %d tasks cannot be ordered",
			len(g.tasks)-processed, len(g.tasks))
	}
	return nil
}

// Ready returns pending tasks whose every dependency has succeeded, in
// TaskOrder order.
func (g *DependencyGraph) Ready() []*Task {
	var ready []*Task
	for _, t := range g.tasks {
		if t.Status != TaskPending {
			continue
		}
		if g.depsSucceeded(t) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].TaskOrder != ready[j].TaskOrder {
			return ready[i].TaskOrder < ready[j].TaskOrder
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (g *DependencyGraph) depsSucceeded(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep := g.tasks[depID]
		if dep == nil || dep.Status != TaskSucceeded {
			return false
		}
	}
	return true
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *DependencyGraph) Dependents(taskID string) []string {
	out := append([]string(nil), g.dependents[taskID]...)
	sort.Strings(out)
	return out
}

// Task returns the task with the given ID, or nil.
func (g *DependencyGraph) Task(id string) *Task {
	return g.tasks[id]
}

// Len returns the number of tasks in the graph.
func (g *DependencyGraph) Len() int {
	return len(g.tasks)
}

// TopologicalOrder returns the tasks dependencies-first. Ties break on
// TaskOrder then ID so the order is deterministic.
func (g *DependencyGraph) TopologicalOrder() []*Task {
	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}

	pick := func(candidates []string) string {
		sort.Slice(candidates, func(i, j int) bool {
			a, b := g.tasks[candidates[i]], g.tasks[candidates[j]]
			if a.TaskOrder != b.TaskOrder {
				return a.TaskOrder < b.TaskOrder
			}
			return a.ID < b.ID
		})
		return candidates[0]
	}

	var frontier []string
	for id, d := range degree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]*Task, 0, len(g.tasks))
	for len(frontier) > 0 {
		id := pick(frontier)
		for i, f := range frontier {
			if f == id {
				frontier = append(frontier[:i], frontier[i+1:]...)
				break
			}
		}
		order = append(order, g.tasks[id])
		for _, dep := range g.dependents[id] {
			degree[dep]--
			if degree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}
	return order
}

// Sinks returns the IDs of tasks nothing depends on, sorted.
func (g *DependencyGraph) Sinks() []string {
	var sinks []string
	for id := range g.tasks {
		if len(g.dependents[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)
	return sinks
}
