package resolve

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/integration"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
)

// fakeMerger merges branches in memory. A branch conflicts once any branch in
// conflictsWith[branch] has been merged, or while any branch in
// blockedBy[branch] has not.
type fakeMerger struct {
	conflictsWith map[string][]string
	blockedBy     map[string][]string
	failures      map[string]error

	merged map[string]bool
	calls  []string
}

func newFakeMerger() *fakeMerger {
	return &fakeMerger{
		conflictsWith: make(map[string][]string),
		blockedBy:     make(map[string][]string),
		failures:      make(map[string]error),
		merged:        make(map[string]bool),
	}
}

func (f *fakeMerger) MergeAgentWork(_ context.Context, branch, agentID string, taskID domain.TaskID, prdID string) (*integration.MergeRecord, error) {
	f.calls = append(f.calls, branch)
	if err, ok := f.failures[branch]; ok {
		return nil, err
	}
	for _, other := range f.conflictsWith[branch] {
		if f.merged[other] {
			return nil, &integration.ConflictError{TaskID: taskID, Branch: branch, Files: []string{"shared.go"}}
		}
	}
	for _, other := range f.blockedBy[branch] {
		if !f.merged[other] {
			return nil, &integration.ConflictError{TaskID: taskID, Branch: branch}
		}
	}
	f.merged[branch] = true
	return &integration.MergeRecord{
		PRDID:     prdID,
		TaskID:    taskID,
		AgentID:   agentID,
		Branch:    branch,
		CommitSHA: fmt.Sprintf("%040d", len(f.calls)),
	}, nil
}

type fakePipeline struct {
	resolve func(conflicted []TaskResult) ([]Resolution, error)
	calls   int
}

func (p *fakePipeline) Resolve(_ context.Context, _ string, conflicted []TaskResult) ([]Resolution, error) {
	p.calls++
	return p.resolve(conflicted)
}

func ok(id string) TaskResult {
	return TaskResult{TaskID: domain.TaskID(id), AgentID: "agent-" + id, Branch: id, Success: true}
}

func mergedIDs(res *Result) []domain.TaskID {
	out := make([]domain.TaskID, len(res.MergeRecords))
	for i, rec := range res.MergeRecords {
		out[i] = rec.TaskID
	}
	return out
}

func TestResolveCleanMergesInOnePass(t *testing.T) {
	merger := newFakeMerger()
	r := New(merger)

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b"), ok("c")}, "prd-1")

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.WavesExecuted)
	assert.Equal(t, []domain.TaskID{"a", "b", "c"}, mergedIDs(res))
	assert.Empty(t, res.FailedTaskIDs)
	assert.True(t, r.Merged("b"))
}

func TestResolveConflictWithoutPipelineFailsDeferredTask(t *testing.T) {
	merger := newFakeMerger()
	merger.conflictsWith["a"] = []string{"b"}
	merger.conflictsWith["b"] = []string{"a"}
	r := New(merger)

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b")}, "prd-1")

	assert.False(t, res.Success)
	assert.Equal(t, []domain.TaskID{"a"}, mergedIDs(res))
	assert.Equal(t, []domain.TaskID{"b"}, res.FailedTaskIDs)
	assert.Contains(t, res.Failures["b"], "no resolution pipeline")
	assert.True(t, res.Conflicted["b"])
	assert.Equal(t, 2, res.WavesExecuted)
	assert.NotEmpty(t, res.Reason)
}

func TestResolveRetriesDeferredConflicts(t *testing.T) {
	merger := newFakeMerger()
	merger.blockedBy["b"] = []string{"c"}
	r := New(merger)

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("b"), ok("c")}, "prd-1")

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.WavesExecuted)
	assert.Equal(t, []domain.TaskID{"c", "b"}, mergedIDs(res))
	assert.Equal(t, []string{"b", "c", "b"}, merger.calls)
}

func TestResolveOtherFailuresAreIsolated(t *testing.T) {
	merger := newFakeMerger()
	merger.failures["a"] = errors.New(errors.ErrCodeMergeFailed, "permission denied resolving conflict markers")
	r := New(merger)

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b")}, "prd-1")

	assert.False(t, res.Success)
	assert.Equal(t, []domain.TaskID{"b"}, mergedIDs(res))
	assert.Equal(t, []domain.TaskID{"a"}, res.FailedTaskIDs)
	assert.Contains(t, res.Failures["a"], "permission denied")
	assert.False(t, res.Conflicted["a"], "a plain merge error is not a conflict")
	assert.Equal(t, 1, res.WavesExecuted)
}

func TestResolveUnsuccessfulResultsFailDirectly(t *testing.T) {
	merger := newFakeMerger()
	r := New(merger)

	results := []TaskResult{
		{TaskID: "a", Success: false, Error: "tests failed"},
		{TaskID: "b", Success: false},
		{TaskID: "c", Success: true},
	}
	res := r.ResolveInWaves(context.Background(), results, "prd-1")

	assert.Equal(t, []domain.TaskID{"a", "b", "c"}, res.FailedTaskIDs)
	assert.Equal(t, "tests failed", res.Failures["a"])
	assert.Empty(t, res.Conflicted)
	assert.Equal(t, "agent reported failure", res.Failures["b"])
	assert.Contains(t, res.Failures["c"], "without a branch")
	assert.Empty(t, merger.calls)
	assert.Equal(t, 0, res.WavesExecuted)
}

func TestResolveIsIdempotentAcrossCalls(t *testing.T) {
	merger := newFakeMerger()
	merger.failures["bad"] = fmt.Errorf("network down")
	r := New(merger)
	ctx := context.Background()

	first := r.ResolveInWaves(ctx, []TaskResult{ok("a"), ok("bad")}, "prd-1")
	require.Len(t, first.MergeRecords, 1)
	require.Len(t, first.FailedTaskIDs, 1)

	second := r.ResolveInWaves(ctx, []TaskResult{ok("a"), ok("bad"), ok("c")}, "prd-1")
	assert.Equal(t, []domain.TaskID{"c"}, mergedIDs(second))
	assert.Empty(t, second.FailedTaskIDs)
	assert.True(t, second.Success)
	assert.Equal(t, []string{"a", "bad", "c"}, merger.calls)
}

func TestResolvePipelineResolvesConflict(t *testing.T) {
	merger := newFakeMerger()
	merger.conflictsWith["b"] = []string{"a"}
	pipeline := &fakePipeline{resolve: func(conflicted []TaskResult) ([]Resolution, error) {
		var out []Resolution
		for _, c := range conflicted {
			out = append(out, Resolution{TaskID: c.TaskID, Branch: c.Branch + "-resolved"})
		}
		return out, nil
	}}
	r := New(merger, WithPipeline(pipeline))

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b")}, "prd-1")

	assert.True(t, res.Success)
	assert.Equal(t, 1, pipeline.calls)
	require.Len(t, res.MergeRecords, 2)
	assert.Equal(t, "b-resolved", res.MergeRecords[1].Branch)
	assert.Equal(t, 3, res.WavesExecuted)
}

func TestResolvePipelineIrreconcilable(t *testing.T) {
	merger := newFakeMerger()
	merger.conflictsWith["b"] = []string{"a"}
	merger.conflictsWith["c"] = []string{"a"}
	pipeline := &fakePipeline{resolve: func(conflicted []TaskResult) ([]Resolution, error) {
		return []Resolution{{TaskID: "b", Irreconcilable: true, Reason: "both rewrite the schema"}}, nil
	}}
	r := New(merger, WithPipeline(pipeline))

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b"), ok("c")}, "prd-1")

	assert.False(t, res.Success)
	assert.ElementsMatch(t, []domain.TaskID{"b", "c"}, res.FailedTaskIDs)
	assert.Equal(t, "irreconcilable conflict: both rewrite the schema", res.Failures["b"])
	assert.Equal(t, "conflict not resolved by pipeline", res.Failures["c"])
}

func TestResolvePipelineErrorFailsClosed(t *testing.T) {
	merger := newFakeMerger()
	merger.conflictsWith["b"] = []string{"a"}
	pipeline := &fakePipeline{resolve: func([]TaskResult) ([]Resolution, error) {
		return nil, fmt.Errorf("model unavailable")
	}}
	r := New(merger, WithPipeline(pipeline))

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b")}, "prd-1")

	assert.Equal(t, []domain.TaskID{"b"}, res.FailedTaskIDs)
	assert.Contains(t, res.Failures["b"], "model unavailable")
}

func TestResolveLivenessGuard(t *testing.T) {
	merger := newFakeMerger()
	merger.conflictsWith["b"] = []string{"a"}
	// the pipeline keeps claiming success without changing anything
	pipeline := &fakePipeline{resolve: func(conflicted []TaskResult) ([]Resolution, error) {
		out := make([]Resolution, len(conflicted))
		for i, c := range conflicted {
			out[i] = Resolution{TaskID: c.TaskID}
		}
		return out, nil
	}}
	_, m := metrics.NewRegistry()
	r := New(merger, WithPipeline(pipeline), WithMetrics(m))

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("b")}, "prd-1")

	assert.Equal(t, MaxIterations, res.WavesExecuted)
	assert.False(t, res.Success)
	assert.Equal(t, []domain.TaskID{"b"}, res.FailedTaskIDs)
	assert.True(t, strings.Contains(res.Reason, "liveness guard"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LivenessTrips))
}

func TestResolveCustomIterationLimit(t *testing.T) {
	merger := newFakeMerger()
	merger.blockedBy["a"] = []string{"never"}
	pipeline := &fakePipeline{resolve: func(conflicted []TaskResult) ([]Resolution, error) {
		return []Resolution{{TaskID: "a"}}, nil
	}}
	r := New(merger, WithPipeline(pipeline), WithMaxIterations(3))

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a")}, "prd-1")
	assert.Equal(t, 3, res.WavesExecuted)
	assert.Equal(t, []domain.TaskID{"a"}, res.FailedTaskIDs)
}

func TestResolveCancelled(t *testing.T) {
	merger := newFakeMerger()
	r := New(merger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.ResolveInWaves(ctx, []TaskResult{ok("a"), ok("b")}, "prd-1")
	assert.Empty(t, res.MergeRecords)
	assert.Equal(t, []domain.TaskID{"a", "b"}, res.FailedTaskIDs)
	assert.Contains(t, res.Reason, "cancelled")
	assert.Empty(t, merger.calls)
}

func TestResolveDeduplicatesResults(t *testing.T) {
	merger := newFakeMerger()
	r := New(merger)

	res := r.ResolveInWaves(context.Background(), []TaskResult{ok("a"), ok("a")}, "prd-1")
	assert.Len(t, res.MergeRecords, 1)
	assert.Equal(t, []string{"a"}, merger.calls)
}
