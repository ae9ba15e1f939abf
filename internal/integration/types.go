package integration

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/domain"
)

// MergeRecord is the immutable record of one agent branch merged into the
// integration line
type MergeRecord struct {
	PRDID     string        `json:"prd_id"`
	TaskID    domain.TaskID `json:"task_id"`
	AgentID   string        `json:"agent_id"`
	Branch    string        `json:"branch"`
	CommitSHA string        `json:"commit_sha"`
	MergedAt  time.Time     `json:"merged_at"`
}

// CheckpointPR is a review request opened against the integration line
type CheckpointPR struct {
	ID              string          `json:"id"`
	PRDID           string          `json:"prd_id"`
	URL             string          `json:"url"`
	CreatedAt       time.Time       `json:"created_at"`
	HeadCommit      string          `json:"head_commit"`
	CommitsIncluded []string        `json:"commits_included"`
	TasksIncluded   []domain.TaskID `json:"tasks_included"`
	Description     string          `json:"description"`
}

// ConflictError reports that merging a branch produced content conflicts.
// The merge has already been aborted when it is returned.
type ConflictError struct {
	TaskID domain.TaskID
	Branch string
	Files  []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict merging %s for task %s", e.Branch, e.TaskID)
	}
	return fmt.Sprintf("merge conflict merging %s for task %s in %s",
		e.Branch, e.TaskID, strings.Join(e.Files, ", "))
}

// IsConflict reports whether err is, or wraps, a *ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}
