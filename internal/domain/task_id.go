package domain

import (
	"fmt"
	"regexp"
)

// TaskID identifies a task within a PRD document.
// This is a value object that enforces valid ID formats.
type TaskID string

var (
	// taskIDPattern allows path-like ids such as "auth/login-form" or "T1.2"
	taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

	maxTaskIDLength = 100
)

// NewTaskID creates a new TaskID value object with validation
func NewTaskID(value string) (TaskID, error) {
	id := TaskID(value)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks if the task ID is valid
func (t TaskID) Validate() error {
	s := string(t)

	if s == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	if len(s) > maxTaskIDLength {
		return fmt.Errorf("task ID %q exceeds maximum length of %d characters", s, maxTaskIDLength)
	}

	if !taskIDPattern.MatchString(s) {
		return fmt.Errorf("task ID %q must start with a letter or digit and contain only letters, digits, '.', '_', '/' and '-'", s)
	}

	return nil
}

// String returns the string representation
func (t TaskID) String() string {
	return string(t)
}

// TaskIDs converts a slice of ids to plain strings, preserving order
func TaskIDs(ids []TaskID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
