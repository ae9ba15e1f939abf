package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
)

// DefaultBranchPrefix prefixes every integration branch
const DefaultBranchPrefix = "integration/"

// Config locates the repository and the manager's on-disk state
type Config struct {
	RepoPath     string
	Trunk        string
	BranchPrefix string
	// WorktreeDir holds one merge worktree per integration branch
	WorktreeDir string
}

func (c Config) withDefaults() Config {
	if c.Trunk == "" {
		c.Trunk = "main"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.WorktreeDir == "" {
		c.WorktreeDir = filepath.Join(c.RepoPath, ".flotilla", "worktrees")
	}
	return c
}

// Manager owns the integration line of each PRD. It is the only writer to
// those branches.
type Manager struct {
	cfg     Config
	git     GitOps
	ledger  *Ledger
	reviews ReviewRequester
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// one merge at a time per manager; the worktree is shared
	mergeMu sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. reviews may be nil, in which case checkpoints
// are recorded through LocalReviews.
func NewManager(cfg Config, git GitOps, ledger *Ledger, reviews ReviewRequester, opts ...Option) (*Manager, error) {
	if cfg.RepoPath == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "integration manager requires a repository path")
	}
	if git == nil || ledger == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "integration manager requires git and a ledger")
	}
	if reviews == nil {
		reviews = &LocalReviews{}
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		git:     git,
		ledger:  ledger,
		reviews: reviews,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Nop()
	}
	m.logger = m.logger.WithComponent("integration")
	return m, nil
}

// BranchName returns the integration branch of prdID
func (m *Manager) BranchName(prdID string) string {
	return m.cfg.BranchPrefix + prdID
}

// Ledger returns the merge ledger
func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

// Trunk returns the branch integration lines are cut from
func (m *Manager) Trunk() string {
	return m.cfg.Trunk
}

// WorktreePath returns the merge worktree of prdID
func (m *Manager) WorktreePath(prdID string) string {
	return filepath.Join(m.cfg.WorktreeDir, "integration", strings.ReplaceAll(prdID, "/", "__"))
}

// CreateIntegrationBranch creates the integration branch of prdID from trunk
// together with its merge worktree. Existing state is reused.
func (m *Manager) CreateIntegrationBranch(ctx context.Context, prdID string) (string, error) {
	branch := m.BranchName(prdID)

	if !m.git.BranchExists(ctx, m.cfg.RepoPath, branch) {
		if err := m.git.CreateBranch(ctx, m.cfg.RepoPath, branch, m.cfg.Trunk); err != nil {
			return "", errors.Wrap(errors.ErrCodeMergeFailed,
				fmt.Sprintf("failed to create integration branch %s", branch), err).
				WithSuggestion(fmt.Sprintf("Check that trunk branch %q exists", m.cfg.Trunk))
		}
		m.logger.InfoContext(ctx, "created integration branch", "prd_id", prdID, "branch", branch)
	}

	wt := m.WorktreePath(prdID)
	if _, err := os.Stat(wt); os.IsNotExist(err) {
		if err := m.git.CreateWorktree(ctx, m.cfg.RepoPath, wt, branch); err != nil {
			return "", errors.Wrap(errors.ErrCodeMergeFailed, "failed to create merge worktree", err)
		}
	}
	return branch, nil
}

// MergeAgentWork merges branch into the integration line of prdID and records
// the merge. A content conflict is aborted and returned as *ConflictError.
func (m *Manager) MergeAgentWork(ctx context.Context, branch, agentID string, taskID domain.TaskID, prdID string) (*MergeRecord, error) {
	ctx, span := telemetry.StartMergeSpan(ctx, prdID, taskID.String(), branch)
	defer span.End()

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	start := m.now()
	rec, err := m.merge(ctx, branch, agentID, taskID, prdID)
	switch {
	case err == nil:
		m.metrics.RecordMerge("merged", m.now().Sub(start))
		telemetry.RecordSuccess(span, attribute.String("commit", rec.CommitSHA))
	case IsConflict(err):
		m.metrics.RecordMerge("conflict", m.now().Sub(start))
		telemetry.RecordError(span, err)
	default:
		m.metrics.RecordMerge("failed", m.now().Sub(start))
		m.metrics.RecordError(string(errors.CodeOf(err)), "integration")
		telemetry.RecordError(span, err)
	}
	return rec, err
}

func (m *Manager) merge(ctx context.Context, branch, agentID string, taskID domain.TaskID, prdID string) (*MergeRecord, error) {
	target := m.BranchName(prdID)
	if !m.git.BranchExists(ctx, m.cfg.RepoPath, target) {
		return nil, errors.Newf(errors.ErrCodeBranchMissing, "integration branch %s does not exist", target).
			WithSuggestion("Create the integration branch before merging agent work")
	}
	if !m.git.BranchExists(ctx, m.cfg.RepoPath, branch) {
		return nil, errors.Newf(errors.ErrCodeMergeFailed, "agent branch %s does not exist", branch)
	}

	wt := m.WorktreePath(prdID)
	if _, err := os.Stat(wt); os.IsNotExist(err) {
		if err := m.git.CreateWorktree(ctx, m.cfg.RepoPath, wt, target); err != nil {
			return nil, errors.Wrap(errors.ErrCodeMergeFailed, "failed to create merge worktree", err)
		}
	}

	before, err := m.git.HeadCommit(ctx, wt, "HEAD")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMergeFailed, "failed to resolve integration head", err)
	}

	msg := fmt.Sprintf("Merge %s (task %s) into %s", branch, taskID, target)
	conflicts, err := m.git.Merge(ctx, wt, branch, msg)
	if len(conflicts) > 0 {
		if abortErr := m.git.AbortMerge(ctx, wt); abortErr != nil {
			m.logger.WithError(abortErr).Warn("failed to abort conflicted merge", "branch", branch)
		}
		m.logger.InfoContext(ctx, "merge conflict", "task_id", taskID, "branch", branch, "files", conflicts)
		return nil, &ConflictError{TaskID: taskID, Branch: branch, Files: conflicts}
	}
	if err != nil {
		_ = m.git.AbortMerge(ctx, wt)
		return nil, errors.Wrap(errors.ErrCodeMergeFailed,
			fmt.Sprintf("failed to merge %s into %s", branch, target), err)
	}

	sha, err := m.git.HeadCommit(ctx, wt, "HEAD")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMergeFailed, "failed to resolve merge commit", err)
	}

	rec := MergeRecord{
		PRDID:     prdID,
		TaskID:    taskID,
		AgentID:   agentID,
		Branch:    branch,
		CommitSHA: sha,
		MergedAt:  m.now().UTC(),
	}
	if _, err := m.ledger.AppendMerge(rec); err != nil {
		// an unrecorded merge must not stay on the integration line
		if resetErr := m.git.ResetHard(context.WithoutCancel(ctx), wt, before); resetErr != nil {
			m.logger.WithError(resetErr).Error("failed to roll back unrecorded merge",
				"branch", target, "commit", sha, "restore_to", before)
		}
		return nil, err
	}

	m.logger.InfoContext(ctx, "merged agent work",
		"prd_id", prdID, "task_id", taskID, "branch", branch, "commit", sha)
	return &rec, nil
}

// History returns the merge records of prdID in merge order
func (m *Manager) History(prdID string) ([]MergeRecord, error) {
	entries, err := m.ledger.Entries(prdID)
	if err != nil {
		return nil, err
	}
	var out []MergeRecord
	for _, e := range entries {
		if e.Kind == KindMerge && e.Merge != nil {
			out = append(out, *e.Merge)
		}
	}
	return out, nil
}

// Checkpoints returns the checkpoints of prdID in creation order
func (m *Manager) Checkpoints(prdID string) ([]CheckpointPR, error) {
	entries, err := m.ledger.Entries(prdID)
	if err != nil {
		return nil, err
	}
	var out []CheckpointPR
	for _, e := range entries {
		if e.Kind == KindCheckpoint && e.Checkpoint != nil {
			out = append(out, *e.Checkpoint)
		}
	}
	return out, nil
}

// CreateCheckpointPR opens a review request covering the commits made on the
// integration line since the previous checkpoint. It fails with
// CHECKPOINT-003 when there is nothing new.
func (m *Manager) CreateCheckpointPR(ctx context.Context, prdID, description string, tasks []domain.TaskID) (*CheckpointPR, error) {
	cp, err := m.checkpoint(ctx, prdID, description, tasks)
	if !errors.HasCode(err, errors.ErrCodeCheckpointEmpty) {
		m.metrics.RecordCheckpoint(err)
	}
	return cp, err
}

func (m *Manager) checkpoint(ctx context.Context, prdID, description string, tasks []domain.TaskID) (*CheckpointPR, error) {
	branch := m.BranchName(prdID)
	if !m.git.BranchExists(ctx, m.cfg.RepoPath, branch) {
		return nil, errors.Newf(errors.ErrCodeBranchMissing, "integration branch %s does not exist", branch)
	}

	head, err := m.git.HeadCommit(ctx, m.cfg.RepoPath, "refs/heads/"+branch)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointFailed, "failed to resolve integration head", err)
	}

	previous, err := m.Checkpoints(prdID)
	if err != nil {
		return nil, err
	}
	var from string
	if n := len(previous); n > 0 {
		from = previous[n-1].HeadCommit
	} else {
		from, err = m.git.MergeBase(ctx, m.cfg.RepoPath, m.cfg.Trunk, branch)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCheckpointFailed, "failed to find merge base with trunk", err)
		}
	}
	if from == head {
		return nil, errors.Newf(errors.ErrCodeCheckpointEmpty, "no new commits on %s since the last checkpoint", branch)
	}

	commits, err := m.git.CommitsBetween(ctx, m.cfg.RepoPath, from, head)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointFailed, "failed to list checkpoint commits", err)
	}
	if len(commits) == 0 {
		return nil, errors.Newf(errors.ErrCodeCheckpointEmpty, "no new commits on %s since the last checkpoint", branch)
	}

	title := fmt.Sprintf("[flotilla] %s checkpoint %d", prdID, len(previous)+1)
	url, err := m.reviews.RequestReview(ctx, ReviewRequest{
		PRDID: prdID,
		Head:  branch,
		Base:  m.cfg.Trunk,
		Title: title,
		Body:  checkpointBody(description, tasks, commits),
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckpointFailed, "failed to open checkpoint review", err).
			WithSuggestion("Check that the review tool is installed and authenticated")
	}

	cp := CheckpointPR{
		ID:              uuid.NewString(),
		PRDID:           prdID,
		URL:             url,
		CreatedAt:       m.now().UTC(),
		HeadCommit:      head,
		CommitsIncluded: commits,
		TasksIncluded:   append([]domain.TaskID(nil), tasks...),
		Description:     description,
	}
	if _, err := m.ledger.AppendCheckpoint(cp); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "created checkpoint",
		"prd_id", prdID, "url", url, "commits", len(commits), "tasks", len(tasks))
	return &cp, nil
}

func checkpointBody(description string, tasks []domain.TaskID, commits []string) string {
	var b strings.Builder
	if description != "" {
		b.WriteString(description)
		b.WriteString("\n\n")
	}
	if len(tasks) > 0 {
		b.WriteString("Tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Commits: %d\n", len(commits))
	return b.String()
}

// DeleteIntegrationBranch removes the integration branch of prdID and its
// worktree. Unless force is set the branch must already be merged into trunk.
func (m *Manager) DeleteIntegrationBranch(ctx context.Context, prdID string, force bool) error {
	branch := m.BranchName(prdID)
	if !m.git.BranchExists(ctx, m.cfg.RepoPath, branch) {
		return errors.Newf(errors.ErrCodeBranchMissing, "integration branch %s does not exist", branch)
	}
	if !force && !m.git.IsBranchMerged(ctx, m.cfg.RepoPath, branch, m.cfg.Trunk) {
		return errors.Newf(errors.ErrCodeBranchNotMerged, "integration branch %s is not merged into %s", branch, m.cfg.Trunk).
			WithSuggestion("Merge the checkpoint review first, or pass --force")
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	wt := m.WorktreePath(prdID)
	if _, err := os.Stat(wt); err == nil {
		if err := m.git.RemoveWorktree(ctx, m.cfg.RepoPath, wt); err != nil {
			return errors.Wrap(errors.ErrCodeMergeFailed, "failed to remove merge worktree", err)
		}
	}
	if err := m.git.DeleteBranch(ctx, m.cfg.RepoPath, branch); err != nil {
		return errors.Wrap(errors.ErrCodeMergeFailed, fmt.Sprintf("failed to delete %s", branch), err)
	}
	m.logger.InfoContext(ctx, "deleted integration branch", "prd_id", prdID, "branch", branch, "force", force)
	return nil
}
