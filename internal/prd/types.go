package prd

import "github.com/felixgeelhaar/flotilla/internal/domain"

// Document is an ordered collection of tasks that together deliver one PRD
type Document struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Tasks []Task `json:"tasks" yaml:"tasks"`

	index map[domain.TaskID]int
}

// Task is a single unit of agent work
type Task struct {
	ID           domain.TaskID     `json:"id" yaml:"id"`
	Description  string            `json:"description" yaml:"description"`
	Dependencies []domain.TaskID   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Status       domain.TaskStatus `json:"status" yaml:"status"`
	AgentID      string            `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Branch       string            `json:"branch,omitempty" yaml:"branch,omitempty"`

	// ResourceHints are paths the task is expected to touch
	ResourceHints []string `json:"resource_hints,omitempty" yaml:"resource_hints,omitempty"`

	// Risk is the risk of spawning the task; defaults to low
	Risk domain.RiskLevel `json:"risk,omitempty" yaml:"risk,omitempty"`

	// Reason records why the task ended FAILED or CANCELLED
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// DependsOn reports whether id is a direct dependency of the task
func (t Task) DependsOn(id domain.TaskID) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

func (t *Task) applyDefaults() {
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.Risk == "" {
		t.Risk = domain.RiskLow
	}
}
