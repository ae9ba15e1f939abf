package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitOps abstracts the git operations the integration manager and agent
// runner need, so both can be tested against fakes.
type GitOps interface {
	CreateBranch(ctx context.Context, repo, branch, base string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
	BranchExists(ctx context.Context, repo, branch string) bool
	IsBranchMerged(ctx context.Context, repo, branch, base string) bool
	CreateWorktree(ctx context.Context, repo, path, branch string) error
	RemoveWorktree(ctx context.Context, repo, path string) error

	// Merge merges branch into the worktree's checked-out branch with a merge
	// commit. A content conflict is reported through conflicts, not err.
	Merge(ctx context.Context, worktree, branch, message string) (conflicts []string, err error)
	AbortMerge(ctx context.Context, worktree string) error
	// ResetHard moves the worktree's checked-out branch back to ref
	ResetHard(ctx context.Context, worktree, ref string) error
	ConflictFiles(ctx context.Context, worktree string) ([]string, error)

	HeadCommit(ctx context.Context, dir, ref string) (string, error)
	MergeBase(ctx context.Context, repo, a, b string) (string, error)
	CommitsBetween(ctx context.Context, repo, from, to string) ([]string, error)
	Push(ctx context.Context, repo, remote, branch string) error
}

// CLIGit implements GitOps by shelling out to the git binary
type CLIGit struct {
	// Env is appended to the process environment of every git invocation
	Env []string
}

func (g CLIGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	if len(g.Env) > 0 {
		cmd.Env = append(os.Environ(), g.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func (g CLIGit) CreateBranch(ctx context.Context, repo, branch, base string) error {
	_, err := g.run(ctx, repo, "branch", branch, base)
	return err
}

func (g CLIGit) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := g.run(ctx, repo, "branch", "-D", branch)
	return err
}

func (g CLIGit) BranchExists(ctx context.Context, repo, branch string) bool {
	_, err := g.run(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (g CLIGit) IsBranchMerged(ctx context.Context, repo, branch, base string) bool {
	_, err := g.run(ctx, repo, "merge-base", "--is-ancestor", branch, base)
	return err == nil
}

func (g CLIGit) CreateWorktree(ctx context.Context, repo, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := g.run(ctx, repo, "worktree", "add", path, branch)
	return err
}

func (g CLIGit) RemoveWorktree(ctx context.Context, repo, path string) error {
	if _, err := g.run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, _ = g.run(ctx, repo, "worktree", "prune")
	return nil
}

func (g CLIGit) Merge(ctx context.Context, worktree, branch, message string) ([]string, error) {
	_, mergeErr := g.run(ctx, worktree, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if mergeErr == nil {
		return nil, nil
	}
	files, err := g.ConflictFiles(ctx, worktree)
	if err == nil && len(files) > 0 {
		return files, nil
	}
	return nil, mergeErr
}

func (g CLIGit) AbortMerge(ctx context.Context, worktree string) error {
	_, err := g.run(ctx, worktree, "merge", "--abort")
	return err
}

func (g CLIGit) ResetHard(ctx context.Context, worktree, ref string) error {
	_, err := g.run(ctx, worktree, "reset", "--hard", "--quiet", ref)
	return err
}

func (g CLIGit) ConflictFiles(ctx context.Context, worktree string) ([]string, error) {
	out, err := g.run(ctx, worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g CLIGit) HeadCommit(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g CLIGit) MergeBase(ctx context.Context, repo, a, b string) (string, error) {
	out, err := g.run(ctx, repo, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g CLIGit) CommitsBetween(ctx context.Context, repo, from, to string) ([]string, error) {
	rng := to
	if from != "" {
		rng = from + ".." + to
	}
	out, err := g.run(ctx, repo, "rev-list", "--reverse", rng)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g CLIGit) Push(ctx context.Context, repo, remote, branch string) error {
	_, err := g.run(ctx, repo, "push", "--set-upstream", remote, branch)
	return err
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
