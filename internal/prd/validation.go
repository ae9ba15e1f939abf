package prd

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
)

// Validate checks if the Task is valid according to domain rules
func (t *Task) Validate() error {
	if err := t.ID.Validate(); err != nil {
		return fmt.Errorf("invalid task ID: %w", err)
	}

	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("description cannot be empty")
	}

	for i, dep := range t.Dependencies {
		if err := dep.Validate(); err != nil {
			return fmt.Errorf("dependency at index %d has invalid task ID: %w", i, err)
		}
	}

	if err := t.Status.Validate(); err != nil {
		return err
	}

	if err := t.Risk.Validate(); err != nil {
		return err
	}

	for i, hint := range t.ResourceHints {
		if strings.TrimSpace(hint) == "" {
			return fmt.Errorf("resource hint at index %d is empty", i)
		}
	}

	return nil
}

// Validate checks ids, dependency references and acyclicity.
// A cycle is reported as PLAN-005 naming the cycle.
func (d *Document) Validate() error {
	if _, err := domain.NewTaskID(d.ID); err != nil {
		return errors.NewPRDInvalidError(fmt.Sprintf("document id: %v", err))
	}

	if len(d.Tasks) == 0 {
		return errors.NewPRDInvalidError("document must have at least one task")
	}

	seen := make(map[domain.TaskID]bool, len(d.Tasks))
	for i := range d.Tasks {
		task := &d.Tasks[i]
		if err := task.Validate(); err != nil {
			return errors.NewPRDInvalidError(fmt.Sprintf("task at index %d (%s): %v", i, task.ID, err))
		}
		if seen[task.ID] {
			return errors.NewPRDInvalidError(fmt.Sprintf("duplicate task ID %q at index %d", task.ID, i))
		}
		seen[task.ID] = true
	}

	for i, task := range d.Tasks {
		for _, dep := range task.Dependencies {
			if !seen[dep] {
				return errors.NewPRDInvalidError(
					fmt.Sprintf("task at index %d (%s) has dependency %q that does not exist in the document", i, task.ID, dep))
			}
		}
	}

	if cycle := FindCycle(d.Tasks); cycle != nil {
		return errors.NewCyclicDependencyError(domain.TaskIDs(cycle))
	}

	return nil
}

// FindCycle returns the first dependency cycle among tasks, closed on its
// first element (a -> b -> a), or nil. Dependencies on ids outside the
// slice are ignored.
func FindCycle(tasks []Task) []domain.TaskID {
	graph := make(map[domain.TaskID][]domain.TaskID, len(tasks))
	for _, task := range tasks {
		graph[task.ID] = task.Dependencies
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[domain.TaskID]int, len(tasks))

	var visit func(id domain.TaskID, path []domain.TaskID) []domain.TaskID
	visit = func(id domain.TaskID, path []domain.TaskID) []domain.TaskID {
		state[id] = onStack
		path = append(path, id)

		for _, dep := range graph[id] {
			if _, inSet := graph[dep]; !inSet {
				continue
			}
			switch state[dep] {
			case unvisited:
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			case onStack:
				for i, p := range path {
					if p == dep {
						cycle := append([]domain.TaskID{}, path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		state[id] = done
		return nil
	}

	for _, task := range tasks {
		if state[task.ID] == unvisited {
			if cycle := visit(task.ID, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
