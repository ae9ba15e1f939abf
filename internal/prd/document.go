package prd

import (
	"fmt"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
)

func (d *Document) reindex() {
	d.index = make(map[domain.TaskID]int, len(d.Tasks))
	for i, task := range d.Tasks {
		d.index[task.ID] = i
	}
}

func (d *Document) lookup(id domain.TaskID) (*Task, error) {
	if d.index == nil {
		d.reindex()
	}
	i, ok := d.index[id]
	if !ok {
		return nil, errors.New(errors.ErrCodePRDUnknownTask, fmt.Sprintf("task %s is not part of PRD %s", id, d.ID))
	}
	return &d.Tasks[i], nil
}

// Task returns a copy of the task with the given id
func (d *Document) Task(id domain.TaskID) (Task, bool) {
	t, err := d.lookup(id)
	if err != nil {
		return Task{}, false
	}
	return *t, true
}

// Ready returns the PENDING tasks whose every dependency is COMPLETED, in document order
func (d *Document) Ready() []Task {
	var ready []Task
	for _, task := range d.Tasks {
		if task.Status != domain.StatusPending {
			continue
		}
		if d.dependenciesCompleted(task) {
			ready = append(ready, task)
		}
	}
	return ready
}

func (d *Document) dependenciesCompleted(task Task) bool {
	for _, dep := range task.Dependencies {
		t, err := d.lookup(dep)
		if err != nil || t.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// WithStatus returns the tasks currently in status, in document order
func (d *Document) WithStatus(status domain.TaskStatus) []Task {
	var out []Task
	for _, task := range d.Tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out
}

// StatusCounts returns the number of tasks per status. Every status is present.
func (d *Document) StatusCounts() map[domain.TaskStatus]int {
	counts := make(map[domain.TaskStatus]int, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		counts[s] = 0
	}
	for _, task := range d.Tasks {
		counts[task.Status]++
	}
	return counts
}

// IsComplete reports whether every task has reached a terminal status
func (d *Document) IsComplete() bool {
	for _, task := range d.Tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Dependents returns every task that directly or transitively depends on id,
// in document order
func (d *Document) Dependents(id domain.TaskID) []domain.TaskID {
	affected := map[domain.TaskID]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, task := range d.Tasks {
			if affected[task.ID] {
				continue
			}
			for _, dep := range task.Dependencies {
				if affected[dep] {
					affected[task.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []domain.TaskID
	for _, task := range d.Tasks {
		if task.ID != id && affected[task.ID] {
			out = append(out, task.ID)
		}
	}
	return out
}

// SetStatus moves a task to status, recording reason for failed or cancelled tasks
func (d *Document) SetStatus(id domain.TaskID, status domain.TaskStatus, reason string) error {
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(status) {
		return errors.New(errors.ErrCodePRDBadTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", id, t.Status, status))
	}
	t.Status = status
	if reason != "" {
		t.Reason = reason
	}
	return nil
}

// Assign records the agent and work branch for a task and marks it ASSIGNED
func (d *Document) Assign(id domain.TaskID, agentID, branch string) error {
	if err := d.SetStatus(id, domain.StatusAssigned, ""); err != nil {
		return err
	}
	t, _ := d.lookup(id)
	t.AgentID = agentID
	t.Branch = branch
	return nil
}

// Clone returns a deep copy that can be read while the original is mutated
func (d *Document) Clone() *Document {
	c := &Document{ID: d.ID, Title: d.Title, Tasks: make([]Task, len(d.Tasks))}
	for i, task := range d.Tasks {
		task.Dependencies = append([]domain.TaskID(nil), task.Dependencies...)
		task.ResourceHints = append([]string(nil), task.ResourceHints...)
		c.Tasks[i] = task
	}
	c.reindex()
	return c
}
