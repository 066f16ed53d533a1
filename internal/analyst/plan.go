package analyst

import (
	"fmt"

	"github.com/llitpux/observer/internal/bus"
)

// Closed set of plan actions.
const (
	ActionReply        = bus.ActionReply
	ActionSearchGraph  = bus.ActionSearchGraph
	ActionSearchWeb    = bus.ActionSearchWeb
	ActionFetchProfile = bus.ActionFetchUserProfile
	ActionRememberFact = bus.ActionRememberFact
)

var knownActions = map[string]bool{
	ActionReply:        true,
	ActionSearchGraph:  true,
	ActionSearchWeb:    true,
	ActionFetchProfile: true,
	ActionRememberFact: true,
}

// ValidatePlan checks a task list: non-empty, unique ids, known actions,
// dependencies referencing existing ids, acyclic, and at least one reply
// task that nothing depends on (the terminal reply).
func ValidatePlan(tasks []bus.PlanTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}

	byID := make(map[int]bus.PlanTask, len(tasks))
	for _, task := range tasks {
		if _, dup := byID[task.ID]; dup {
			return fmt.Errorf("duplicate task id %d", task.ID)
		}
		if !knownActions[task.Action] {
			return fmt.Errorf("task %d: unknown action %q", task.ID, task.Action)
		}
		byID[task.ID] = task
	}

	dependedOn := make(map[int]bool)
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %d depends on unknown task %d", task.ID, dep)
			}
			if dep == task.ID {
				return fmt.Errorf("task %d depends on itself", task.ID)
			}
			dependedOn[dep] = true
		}
	}

	if hasCycle(tasks) {
		return fmt.Errorf("plan contains a dependency cycle")
	}

	for _, task := range tasks {
		if task.Action == ActionReply && !dependedOn[task.ID] {
			return nil
		}
	}
	return fmt.Errorf("plan has no terminal reply task")
}

// hasCycle runs Kahn's algorithm; leftover nodes mean a cycle.
func hasCycle(tasks []bus.PlanTask) bool {
	indegree := make(map[int]int, len(tasks))
	dependents := make(map[int][]int)
	for _, task := range tasks {
		indegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			indegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	var ready []int
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	processed := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return processed != len(tasks)
}

// FallbackPlan is the apology plan used when the model cannot produce a
// valid one.
func FallbackPlan() []bus.PlanTask {
	return []bus.PlanTask{
		{ID: 1, Action: ActionReply, Args: map[string]any{"style": "apology"}},
	}
}
