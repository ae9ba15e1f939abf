package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/agent"
	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/integration"
)

// fakeRunner finishes every agent after polls status checks. Tasks in fail
// report failure; tasks in hang never finish.
type fakeRunner struct {
	mu       sync.Mutex
	polls    int
	fail     map[domain.TaskID]string
	hang     map[domain.TaskID]bool
	spawnErr map[domain.TaskID]error

	seen    map[string]int
	spawned []domain.TaskID
	running map[domain.TaskID]bool
	peak    int

	// concurrent records every pair of tasks that ran at the same time
	concurrent map[[2]domain.TaskID]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		polls:      1,
		fail:       make(map[domain.TaskID]string),
		hang:       make(map[domain.TaskID]bool),
		spawnErr:   make(map[domain.TaskID]error),
		seen:       make(map[string]int),
		running:    make(map[domain.TaskID]bool),
		concurrent: make(map[[2]domain.TaskID]bool),
	}
}

func (f *fakeRunner) Spawn(_ context.Context, a agent.Assignment, prompt string) (*agent.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := a.Task.ID
	if err := f.spawnErr[id]; err != nil {
		return nil, err
	}
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	for other := range f.running {
		f.concurrent[[2]domain.TaskID{other, id}] = true
		f.concurrent[[2]domain.TaskID{id, other}] = true
	}
	f.running[id] = true
	f.spawned = append(f.spawned, id)
	f.peak = max(f.peak, len(f.running))
	return &agent.Handle{
		AgentID:   "agent-" + string(id),
		PRDID:     a.PRDID,
		TaskID:    id,
		Branch:    "flotilla/" + a.PRDID + "/" + string(id),
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeRunner) Status(_ context.Context, h *agent.Handle) (agent.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hang[h.TaskID] {
		return agent.StateRunning, nil
	}
	f.seen[h.AgentID]++
	if f.seen[h.AgentID] < f.polls {
		return agent.StateRunning, nil
	}
	delete(f.running, h.TaskID)
	if _, failed := f.fail[h.TaskID]; failed {
		return agent.StateFailed, nil
	}
	return agent.StateSucceeded, nil
}

func (f *fakeRunner) Result(_ context.Context, h *agent.Handle) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &agent.Result{AgentID: h.AgentID, TaskID: h.TaskID, Branch: h.Branch}
	if msg, failed := f.fail[h.TaskID]; failed {
		res.Error = msg
		res.ExitCode = 1
		return res, nil
	}
	res.Success = true
	res.CommitSHA = "sha-" + string(h.TaskID)
	return res, nil
}

func (f *fakeRunner) ranTogether(a, b domain.TaskID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.concurrent[[2]domain.TaskID{a, b}]
}

// fakeMerger merges every branch except those listed in conflicts or failures
type fakeMerger struct {
	conflicts map[string]bool
	failures  map[string]error
}

func (m *fakeMerger) MergeAgentWork(_ context.Context, branch, agentID string, taskID domain.TaskID, prdID string) (*integration.MergeRecord, error) {
	if err := m.failures[branch]; err != nil {
		return nil, err
	}
	if m.conflicts[branch] {
		return nil, &integration.ConflictError{TaskID: taskID, Branch: branch, Files: []string{"shared.go"}}
	}
	return &integration.MergeRecord{
		PRDID:     prdID,
		TaskID:    taskID,
		AgentID:   agentID,
		Branch:    branch,
		CommitSHA: "merge-" + string(taskID),
		MergedAt:  time.Now(),
	}, nil
}

type fakeIntegration struct {
	mu          sync.Mutex
	branchErr   error
	checkpoints [][]domain.TaskID
}

func (f *fakeIntegration) CreateIntegrationBranch(_ context.Context, prdID string) (string, error) {
	if f.branchErr != nil {
		return "", f.branchErr
	}
	return "integration/" + prdID, nil
}

func (f *fakeIntegration) CreateCheckpointPR(_ context.Context, prdID, description string, tasks []domain.TaskID) (*integration.CheckpointPR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(tasks) == 0 {
		return nil, errors.New(errors.ErrCodeCheckpointEmpty, "nothing new")
	}
	f.checkpoints = append(f.checkpoints, tasks)
	n := len(f.checkpoints)
	return &integration.CheckpointPR{
		ID:            fmt.Sprintf("cp-%d", n),
		PRDID:         prdID,
		URL:           fmt.Sprintf("local://%s/checkpoint-%d", prdID, n),
		CreatedAt:     time.Now(),
		TasksIncluded: tasks,
		Description:   description,
	}, nil
}

// fakeGate answers from a table; unlisted tasks are auto-approved
type fakeGate struct {
	mu       sync.Mutex
	outcomes map[string]approval.Outcome
	block    bool
	inputs   []approval.Input
}

func (g *fakeGate) RequestApproval(ctx context.Context, in approval.Input) (approval.Outcome, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, in)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if o, ok := g.outcomes[in.Context["task_id"]]; ok {
		return o, nil
	}
	return approval.OutcomeAutoApproved, nil
}
