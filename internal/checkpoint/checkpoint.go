// Package checkpoint persists JSON snapshots of PRD executions so that
// `flotilla status` can report on a run from another process.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusAborted   = "aborted"
)

const stateVersion = "1"

// State is a snapshot of one PRD execution
type State struct {
	Version   string            `json:"version"`
	PRDID     string            `json:"prd_id"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Status    string            `json:"status"`
	Tasks     map[string]Task   `json:"tasks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Task is the recorded state of one task
type Task struct {
	ID          domain.TaskID     `json:"id"`
	Status      domain.TaskStatus `json:"status"`
	AgentID     string            `json:"agent_id,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Wave        int               `json:"wave,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Error       string            `json:"error,omitempty"`
}

// NewState starts a snapshot for prdID
func NewState(prdID string) *State {
	now := time.Now().UTC()
	return &State{
		Version:   stateVersion,
		PRDID:     prdID,
		StartedAt: now,
		UpdatedAt: now,
		Status:    StatusRunning,
		Tasks:     make(map[string]Task),
		Metadata:  make(map[string]string),
	}
}

// UpdateTask records a status change. Moving to RUNNING counts an attempt.
func (s *State) UpdateTask(id domain.TaskID, status domain.TaskStatus, errMsg string) {
	now := time.Now().UTC()
	task, ok := s.Tasks[string(id)]
	if !ok {
		task = Task{ID: id, Status: domain.StatusPending}
	}
	if status == domain.StatusRunning && task.Status != domain.StatusRunning {
		task.Attempts++
		task.StartedAt = now
	}
	if status.IsTerminal() && !task.Status.IsTerminal() {
		task.CompletedAt = now
	}
	task.Status = status
	if errMsg != "" {
		task.Error = errMsg
	}
	s.Tasks[string(id)] = task
	s.UpdatedAt = now
}

// Assign records the agent and branch working on a task
func (s *State) Assign(id domain.TaskID, agentID, branch string, wave int) {
	task, ok := s.Tasks[string(id)]
	if !ok {
		task = Task{ID: id, Status: domain.StatusPending}
	}
	task.AgentID = agentID
	task.Branch = branch
	task.Wave = wave
	s.Tasks[string(id)] = task
	s.UpdatedAt = time.Now().UTC()
}

// Counts returns the number of tasks per status
func (s *State) Counts() map[domain.TaskStatus]int {
	out := make(map[domain.TaskStatus]int, len(domain.AllStatuses))
	for _, t := range s.Tasks {
		out[t.Status]++
	}
	return out
}

// IDs returns the ids of tasks in status, sorted
func (s *State) IDs(status domain.TaskStatus) []string {
	var ids []string
	for id, t := range s.Tasks {
		if t.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Progress is the fraction of tasks in a terminal state
func (s *State) Progress() float64 {
	if len(s.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range s.Tasks {
		if t.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(s.Tasks))
}

// SetMetadata sets a metadata key
func (s *State) SetMetadata(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to another goroutine
func (s *State) Clone() *State {
	c := *s
	c.Tasks = make(map[string]Task, len(s.Tasks))
	for k, v := range s.Tasks {
		c.Tasks[k] = v
	}
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Manager stores snapshots as <dir>/<prd>.json
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dir
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Dir returns the snapshot directory
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) path(prdID string) string {
	return filepath.Join(m.dir, strings.ReplaceAll(prdID, "/", "__")+".json")
}

// Save writes state atomically through a temp file and rename
func (m *Manager) Save(state *State) error {
	if state == nil {
		return errors.New(errors.ErrCodeCheckpointFailed, "run state is nil")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create run-state directory", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeCheckpointFailed, "failed to encode run state", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".run-*.tmp")
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to create run-state file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to write run state", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to write run state", err)
	}
	if err := os.Rename(tmp.Name(), m.path(state.PRDID)); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to replace run state", err)
	}
	return nil
}

// Load reads the snapshot for prdID
func (m *Manager) Load(prdID string) (*State, error) {
	data, err := os.ReadFile(m.path(prdID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeCheckpointNotFound, fmt.Sprintf("no run state for %s", prdID)).
				WithSuggestion("Start a run with 'flotilla run <prd.yaml>'")
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read run state", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointFailed, fmt.Sprintf("corrupt run state for %s", prdID), err)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]Task)
	}
	return &state, nil
}

// Exists reports whether a snapshot for prdID exists
func (m *Manager) Exists(prdID string) bool {
	_, err := os.Stat(m.path(prdID))
	return err == nil
}

// Delete removes the snapshot for prdID; a missing snapshot is not an error
func (m *Manager) Delete(prdID string) error {
	if err := os.Remove(m.path(prdID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to delete run state", err)
	}
	return nil
}

// List loads every snapshot, most recently updated first
func (m *Manager) List() ([]*State, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read run-state directory", err)
	}

	var states []*State
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read run state", err)
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCheckpointFailed, fmt.Sprintf("corrupt run state %s", name), err)
		}
		states = append(states, &st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UpdatedAt.After(states[j].UpdatedAt) })
	return states, nil
}
