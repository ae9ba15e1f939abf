// Package agent launches coding agents on their own work branches.
package agent

import (
	"context"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/prd"
)

// State is the lifecycle state of a spawned agent
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Done reports whether the agent has finished
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed
}

// Assignment is the work handed to one agent
type Assignment struct {
	PRDID string
	Task  prd.Task

	// Base is the branch the work branch forks from
	Base string
}

// Handle identifies a spawned agent
type Handle struct {
	AgentID   string        `json:"agent_id"`
	PRDID     string        `json:"prd_id"`
	TaskID    domain.TaskID `json:"task_id"`
	Branch    string        `json:"branch"`
	Worktree  string        `json:"worktree"`
	StartedAt time.Time     `json:"started_at"`
}

// Result is what an agent produced
type Result struct {
	AgentID   string        `json:"agent_id"`
	TaskID    domain.TaskID `json:"task_id"`
	Branch    string        `json:"branch"`
	CommitSHA string        `json:"commit_sha,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
}

// Runner spawns agents and reports on them
type Runner interface {
	Spawn(ctx context.Context, a Assignment, prompt string) (*Handle, error)
	Status(ctx context.Context, h *Handle) (State, error)
	Result(ctx context.Context, h *Handle) (*Result, error)
}
