// Package scheduler turns a set of tasks with dependency edges into an
// ordered plan of execution waves. All tasks in a wave have every
// dependency satisfied by strictly earlier waves, so wave members can run
// concurrently.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dmarkov/agentflow/pkg/models"
)

// Wave is a set of task IDs with no intra-wave dependency. It is a derived,
// disposable view over Task.Dependencies, valid for one orchestration run.
type Wave []string

// CycleError reports that the dependency graph is not acyclic. Remaining
// lists the tasks that could not be placed in any wave.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among tasks: %s", strings.Join(e.Remaining, ", "))
}

// DanglingDependencyError reports a dependency on a task ID absent from the
// task set.
type DanglingDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependencyID)
}

// Plan partitions tasks into ordered execution waves using Kahn's
// algorithm. It fails with *DanglingDependencyError if a task references a
// dependency outside the set, and with *CycleError if the graph contains a
// cycle. Wave membership is ordered by task creation time then ID so runs
// produce reproducible logs.
func Plan(tasks []models.Task) ([]Wave, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] += 0
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, &DanglingDependencyError{TaskID: t.ID, DependencyID: dep}
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	placed := 0
	var waves []Wave
	current := zeroInDegree(inDegree, nil, byID)
	for len(current) > 0 {
		waves = append(waves, current)
		placed += len(current)

		released := make(map[string]bool)
		for _, id := range current {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					released[dep] = true
				}
			}
		}
		current = zeroInDegree(inDegree, released, byID)
	}

	if placed != len(tasks) {
		remaining := make([]string, 0, len(inDegree))
		for id := range inDegree {
			remaining = append(remaining, id)
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	return waves, nil
}

// zeroInDegree collects the tasks with no remaining dependencies. When
// released is non-nil only tasks in it are considered, which keeps each
// wave maximal without rescanning everything.
func zeroInDegree(inDegree map[string]int, released map[string]bool, byID map[string]models.Task) Wave {
	var wave Wave
	for id, deg := range inDegree {
		if deg != 0 {
			continue
		}
		if released != nil && !released[id] {
			continue
		}
		wave = append(wave, id)
	}
	sort.Slice(wave, func(i, j int) bool {
		a, b := byID[wave[i]], byID[wave[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return wave
}

// TransitivelyBlocked returns the IDs of every task that depends, directly
// or transitively, on a task in the failed set. The orchestrator marks
// these blocked and skips them instead of executing them.
func TransitivelyBlocked(tasks []models.Task, failed map[string]bool) map[string]bool {
	if len(failed) == 0 {
		return nil
	}
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	blocked := make(map[string]bool)
	queue := make([]string, 0, len(failed))
	for id := range failed {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if !blocked[dep] && !failed[dep] {
				blocked[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return blocked
}
