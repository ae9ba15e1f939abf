package domain

import "fmt"

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusAssigned  TaskStatus = "ASSIGNED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []TaskStatus{
	StatusPending, StatusAssigned, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Validate checks if the status is one of the known values
func (s TaskStatus) Validate() error {
	if statusRank(s) < 0 {
		return fmt.Errorf("invalid task status %q", string(s))
	}
	return nil
}

// IsTerminal reports whether the status is final
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a task may move from s to next.
// Terminal states are final and a task only ever moves forward.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() || next.Validate() != nil {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return statusRank(next) > statusRank(s)
}

// String returns the string representation
func (s TaskStatus) String() string {
	return string(s)
}

func statusRank(s TaskStatus) int {
	for i, candidate := range AllStatuses {
		if candidate == s {
			return i
		}
	}
	return -1
}
