package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Step is one named unit of the entering/exiting sequence. Grounded on
// original_source/scripts/maintenance_mode.py's ordered (step_name,
// step_func) lists for enter/exit, reimplemented as typed Go values
// instead of bound method references.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// runSteps executes steps in order, stopping at the first failure — the
// same abort-on-first-failure discipline as
// MaintenanceManager.enter_maintenance_mode/exit_maintenance_mode.
func runSteps(ctx context.Context, log *zap.Logger, steps []Step) error {
	for _, step := range steps {
		start := time.Now()
		log.Info("maintenance step starting", zap.String("step", step.Name))
		if err := step.Run(ctx); err != nil {
			log.Error("maintenance step failed",
				zap.String("step", step.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		log.Info("maintenance step completed",
			zap.String("step", step.Name),
			zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// Task is one unit of work run while in maintenance mode. Dependencies
// name other tasks in the same batch that must complete first. Critical
// tasks halt the batch on failure; non-critical failures are recorded
// and execution continues with the next ready task.
//
// Grounded on maintenance_mode.py's MaintenanceTask(name, description,
// task_func, estimated_duration, dependencies) and _is_critical_task.
type Task struct {
	Name         string
	Dependencies []string
	Critical     bool
	Run          func(ctx context.Context) (detail string, err error)
}

// topoSort orders tasks so each runs after its dependencies, using
// Kahn's algorithm. Ties among equally-ready tasks are broken
// alphabetically for deterministic ordering. Unlike
// _build_task_execution_order's fallback of "run everything anyway" on
// a cycle, a cycle here is reported as an error: a DAG runner that
// silently guesses an order on a broken dependency graph hides a
// configuration bug instead of surfacing it.
func topoSort(tasks []Task) ([]Task, error) {
	byName := make(map[string]Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	adj := make(map[string][]string)

	for _, t := range tasks {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("maintenance: duplicate task name %q", t.Name)
		}
		byName[t.Name] = t
		indegree[t.Name] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("maintenance: task %q depends on unknown task %q", t.Name, dep)
			}
			adj[dep] = append(adj[dep], t.Name)
			indegree[t.Name]++
		}
	}

	var ready []string
	for _, t := range tasks {
		if indegree[t.Name] == 0 {
			ready = append(ready, t.Name)
		}
	}
	sort.Strings(ready)

	order := make([]Task, 0, len(tasks))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, byName[name])

		var unlocked []string
		for _, next := range adj[name] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	if len(order) != len(tasks) {
		return nil, fmt.Errorf("maintenance: cyclic task dependency detected")
	}
	return order, nil
}
