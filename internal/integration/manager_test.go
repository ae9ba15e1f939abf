package integration

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
)

type fixture struct {
	repo    string
	git     CLIGit
	mgr     *Manager
	reviews *LocalReviews
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := setupTestRepo(t)
	git := CLIGit{Env: testEnv}

	ledger, err := NewLedger(t.TempDir())
	require.NoError(t, err)
	reviews := &LocalReviews{Dir: t.TempDir()}
	_, m := metrics.NewRegistry()

	mgr, err := NewManager(Config{RepoPath: repo, WorktreeDir: t.TempDir()}, git, ledger, reviews, WithMetrics(m))
	require.NoError(t, err)
	return &fixture{repo: repo, git: git, mgr: mgr, reviews: reviews, metrics: m}
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{}, CLIGit{}, &Ledger{}, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))

	_, err = NewManager(Config{RepoPath: "/tmp"}, nil, nil, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))
}

func TestBranchName(t *testing.T) {
	mgr, err := NewManager(Config{RepoPath: "/repo"}, CLIGit{}, &Ledger{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "integration/prd-1", mgr.BranchName("prd-1"))
	assert.Equal(t, "main", mgr.Trunk())

	custom, err := NewManager(Config{RepoPath: "/repo", BranchPrefix: "line/", Trunk: "develop"}, CLIGit{}, &Ledger{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "line/prd-1", custom.BranchName("prd-1"))
	assert.Equal(t, "develop", custom.Trunk())
}

func TestCreateIntegrationBranchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	branch, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)
	assert.Equal(t, "integration/prd-1", branch)
	assert.True(t, f.git.BranchExists(ctx, f.repo, branch))

	_, err = os.Stat(f.mgr.WorktreePath("prd-1"))
	require.NoError(t, err, "merge worktree should exist")

	again, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)
	assert.Equal(t, branch, again)
}

func TestMergeAgentWorkRecordsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)

	agentBranch(t, f.repo, "flotilla/prd-1/a", line, "a.txt", "a\n")
	agentBranch(t, f.repo, "flotilla/prd-1/b", line, "b.txt", "b\n")

	recA, err := f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/a", "agent-a", "a", "prd-1")
	require.NoError(t, err)
	recB, err := f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/b", "agent-b", "b", "prd-1")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskID("a"), recA.TaskID)
	assert.Equal(t, "agent-b", recB.AgentID)
	assert.Len(t, recB.CommitSHA, 40)
	assert.NotEqual(t, recA.CommitSHA, recB.CommitSHA)

	head, err := f.git.HeadCommit(ctx, f.repo, "refs/heads/"+line)
	require.NoError(t, err)
	assert.Equal(t, recB.CommitSHA, head)

	history, err := f.mgr.History("prd-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "flotilla/prd-1/a", history[0].Branch)
	assert.Equal(t, "flotilla/prd-1/b", history[1].Branch)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MergeOutcomes.WithLabelValues("merged")))
}

func TestMergeAgentWorkConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)

	agentBranch(t, f.repo, "flotilla/prd-1/a", line, "README.md", "from a\n")
	agentBranch(t, f.repo, "flotilla/prd-1/b", line, "README.md", "from b\n")

	_, err = f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/a", "agent-a", "a", "prd-1")
	require.NoError(t, err)

	rec, err := f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/b", "agent-b", "b", "prd-1")
	assert.Nil(t, rec)
	require.Error(t, err)
	require.True(t, IsConflict(err))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.TaskID("b"), ce.TaskID)
	assert.Equal(t, []string{"README.md"}, ce.Files)

	// the aborted merge leaves the worktree clean
	files, err := f.git.ConflictFiles(ctx, f.mgr.WorktreePath("prd-1"))
	require.NoError(t, err)
	assert.Empty(t, files)
	status := gitCmd(t, f.mgr.WorktreePath("prd-1"), "status", "--porcelain")
	assert.Empty(t, strings.TrimSpace(status))

	history, err := f.mgr.History("prd-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MergeOutcomes.WithLabelValues("conflict")))
}

func TestMergeAgentWorkRollsBackWhenLedgerFails(t *testing.T) {
	repo := setupTestRepo(t)
	git := CLIGit{Env: testEnv}
	ledgerDir := t.TempDir()
	ledger, err := NewLedger(ledgerDir)
	require.NoError(t, err)
	mgr, err := NewManager(Config{RepoPath: repo, WorktreeDir: t.TempDir()}, git, ledger, &LocalReviews{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	line, err := mgr.CreateIntegrationBranch(ctx, "p1")
	require.NoError(t, err)
	before, err := git.HeadCommit(ctx, repo, "refs/heads/"+line)
	require.NoError(t, err)

	agentBranch(t, repo, "flotilla/p1/a", line, "a.txt", "a\n")
	agentHead, err := git.HeadCommit(ctx, repo, "refs/heads/flotilla/p1/a")
	require.NoError(t, err)

	// a directory where the ledger file belongs makes every append fail
	require.NoError(t, os.MkdirAll(ledger.Path("p1"), 0o755))

	rec, err := mgr.MergeAgentWork(ctx, "flotilla/p1/a", "agent-a", "a", "p1")
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.False(t, IsConflict(err))

	after, err := git.HeadCommit(ctx, repo, "refs/heads/"+line)
	require.NoError(t, err)
	assert.Equal(t, before, after, "unrecorded merge must be rolled back")
	assert.False(t, git.IsBranchMerged(ctx, repo, "flotilla/p1/a", line))
	assert.NotEqual(t, agentHead, after)

	status := gitCmd(t, mgr.WorktreePath("p1"), "status", "--porcelain")
	assert.Empty(t, strings.TrimSpace(status))
}

func TestMergeAgentWorkMissingBranches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/a", "agent-a", "a", "prd-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeBranchMissing))

	_, err = f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)

	_, err = f.mgr.MergeAgentWork(ctx, "does-not-exist", "agent-a", "a", "prd-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeMergeFailed))
	assert.False(t, IsConflict(err))
}

func TestCreateCheckpointPR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)

	_, err = f.mgr.CreateCheckpointPR(ctx, "prd-1", "nothing yet", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCheckpointEmpty))

	agentBranch(t, f.repo, "flotilla/prd-1/a", line, "a.txt", "a\n")
	_, err = f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/a", "agent-a", "a", "prd-1")
	require.NoError(t, err)

	cp, err := f.mgr.CreateCheckpointPR(ctx, "prd-1", "first slice", []domain.TaskID{"a"})
	require.NoError(t, err)
	assert.Equal(t, "local://prd-1/checkpoint-1", cp.URL)
	assert.Len(t, cp.CommitsIncluded, 2, "agent commit plus merge commit")
	assert.Equal(t, []domain.TaskID{"a"}, cp.TasksIncluded)
	assert.NotEmpty(t, cp.ID)

	_, err = f.mgr.CreateCheckpointPR(ctx, "prd-1", "again", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCheckpointEmpty))

	agentBranch(t, f.repo, "flotilla/prd-1/b", line, "b.txt", "b\n")
	_, err = f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/b", "agent-b", "b", "prd-1")
	require.NoError(t, err)

	next, err := f.mgr.CreateCheckpointPR(ctx, "prd-1", "second slice", []domain.TaskID{"b"})
	require.NoError(t, err)
	assert.Equal(t, "local://prd-1/checkpoint-2", next.URL)
	assert.Len(t, next.CommitsIncluded, 2, "only commits since the previous checkpoint")

	checkpoints, err := f.mgr.Checkpoints("prd-1")
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)

	// checkpoints never merge into trunk
	assert.False(t, f.git.IsBranchMerged(ctx, f.repo, line, "main"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Checkpoints.WithLabelValues("true")))
}

func TestDeleteIntegrationBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)
	agentBranch(t, f.repo, "flotilla/prd-1/a", line, "a.txt", "a\n")
	_, err = f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/a", "agent-a", "a", "prd-1")
	require.NoError(t, err)

	err = f.mgr.DeleteIntegrationBranch(ctx, "prd-1", false)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBranchNotMerged))
	assert.True(t, f.git.BranchExists(ctx, f.repo, line))

	require.NoError(t, f.mgr.DeleteIntegrationBranch(ctx, "prd-1", true))
	assert.False(t, f.git.BranchExists(ctx, f.repo, line))
	_, err = os.Stat(f.mgr.WorktreePath("prd-1"))
	assert.True(t, os.IsNotExist(err))

	err = f.mgr.DeleteIntegrationBranch(ctx, "prd-1", true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBranchMissing))
}

func TestDeleteMergedIntegrationBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line, err := f.mgr.CreateIntegrationBranch(ctx, "prd-1")
	require.NoError(t, err)
	agentBranch(t, f.repo, "flotilla/prd-1/a", line, "a.txt", "a\n")
	_, err = f.mgr.MergeAgentWork(ctx, "flotilla/prd-1/a", "agent-a", "a", "prd-1")
	require.NoError(t, err)

	gitCmd(t, f.repo, "merge", "--no-edit", line)
	require.NoError(t, f.mgr.DeleteIntegrationBranch(ctx, "prd-1", false))
}

func TestLocalReviewsCountsPerPRD(t *testing.T) {
	reviews := &LocalReviews{}
	ctx := context.Background()

	u1, err := reviews.RequestReview(ctx, ReviewRequest{PRDID: "p"})
	require.NoError(t, err)
	u2, err := reviews.RequestReview(ctx, ReviewRequest{PRDID: "p"})
	require.NoError(t, err)
	u3, err := reviews.RequestReview(ctx, ReviewRequest{PRDID: "q"})
	require.NoError(t, err)

	assert.Equal(t, "local://p/checkpoint-1", u1)
	assert.Equal(t, "local://p/checkpoint-2", u2)
	assert.Equal(t, "local://q/checkpoint-1", u3)
}

func TestLocalReviewsResumesNumbering(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := &LocalReviews{Dir: dir}
	_, err := first.RequestReview(ctx, ReviewRequest{PRDID: "p", Title: "t"})
	require.NoError(t, err)

	second := &LocalReviews{Dir: dir}
	url, err := second.RequestReview(ctx, ReviewRequest{PRDID: "p", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "local://p/checkpoint-2", url)
}
