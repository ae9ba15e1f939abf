package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/integration"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/progress"
)

// DefaultBranchPrefix prefixes agent work branches
const DefaultBranchPrefix = "flotilla/"

// ErrUnknownHandle is returned for handles this runner did not spawn
var ErrUnknownHandle = stderrors.New("unknown agent handle")

// ErrRunning is returned by Result while the agent is still working
var ErrRunning = stderrors.New("agent still running")

// CommandRunner runs a configured command per task in a dedicated git
// worktree. Success is a zero exit status plus at least one new commit.
type CommandRunner struct {
	Git          integration.GitOps
	Repo         string
	WorktreeDir  string
	BranchPrefix string
	Command      string
	Args         []string
	Timeout      time.Duration

	// Env is appended to the inherited environment
	Env []string

	// Echo, when set, also receives agent output with each line prefixed by
	// the task id
	Echo io.Writer

	Logger *log.Logger

	mu     sync.Mutex
	agents map[string]*process
}

type process struct {
	handle Handle
	base   string
	done   chan struct{}
	result Result
}

// BranchName returns the work branch for a task
func (r *CommandRunner) BranchName(prdID, taskID string) string {
	prefix := r.BranchPrefix
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + prdID + "/" + taskID
}

func (r *CommandRunner) worktreeDir() string {
	if r.WorktreeDir != "" {
		return r.WorktreeDir
	}
	return filepath.Join(r.Repo, ".flotilla", "agents")
}

func (r *CommandRunner) logger() *log.Logger {
	return log.OrDefault(r.Logger).WithComponent("agent")
}

// Spawn creates the work branch and worktree and starts the command
func (r *CommandRunner) Spawn(ctx context.Context, a Assignment, prompt string) (*Handle, error) {
	if r.Command == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "no agent command configured").
			WithSuggestion("Set agent.command in .flotilla/config.yaml")
	}

	taskID := string(a.Task.ID)
	branch := r.BranchName(a.PRDID, taskID)
	dir := filepath.Join(r.worktreeDir(), strings.ReplaceAll(a.PRDID, "/", "__"))
	worktree := filepath.Join(dir, taskID)

	base, err := r.Git.HeadCommit(ctx, r.Repo, "refs/heads/"+a.Base)
	if err != nil {
		return nil, spawnError(taskID, "resolve base branch", err)
	}
	if _, err := os.Stat(worktree); err == nil {
		_ = r.Git.RemoveWorktree(ctx, r.Repo, worktree)
	}
	// a leftover branch from an earlier attempt restarts from the current base
	if r.Git.BranchExists(ctx, r.Repo, branch) {
		if err := r.Git.DeleteBranch(ctx, r.Repo, branch); err != nil {
			return nil, spawnError(taskID, "reset work branch", err)
		}
		r.logger().InfoContext(ctx, "reset stale work branch", "task_id", taskID, "branch", branch, "base", base)
	}
	if err := r.Git.CreateBranch(ctx, r.Repo, branch, a.Base); err != nil {
		return nil, spawnError(taskID, "create work branch", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, spawnError(taskID, "create worktree directory", err)
	}
	if err := r.Git.CreateWorktree(ctx, r.Repo, worktree, branch); err != nil {
		return nil, spawnError(taskID, "create worktree", err)
	}

	promptFile := filepath.Join(dir, taskID+".prompt.md")
	if err := os.WriteFile(promptFile, []byte(prompt), 0o644); err != nil {
		return nil, spawnError(taskID, "write prompt", err)
	}
	logFile, err := os.Create(filepath.Join(dir, taskID+".log"))
	if err != nil {
		return nil, spawnError(taskID, "create log", err)
	}

	agentID := "agent-" + uuid.NewString()[:8]
	p := &process{
		handle: Handle{
			AgentID:   agentID,
			PRDID:     a.PRDID,
			TaskID:    a.Task.ID,
			Branch:    branch,
			Worktree:  worktree,
			StartedAt: time.Now(),
		},
		base: base,
		done: make(chan struct{}),
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	cmd := exec.CommandContext(runCtx, r.Command, r.Args...)
	cmd.Dir = worktree
	cmd.Stdin = strings.NewReader(prompt)
	var output io.Writer = logFile
	var echo *progress.StreamWriter
	if r.Echo != nil {
		echo = progress.NewStreamWriter(r.Echo, "["+taskID+"]")
		output = io.MultiWriter(logFile, echo)
	}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"FLOTILLA_PRD_ID="+a.PRDID,
		"FLOTILLA_TASK_ID="+taskID,
		"FLOTILLA_AGENT_ID="+agentID,
		"FLOTILLA_BRANCH="+branch,
		"FLOTILLA_BASE="+a.Base,
		"FLOTILLA_WORKTREE="+worktree,
		"FLOTILLA_PROMPT_FILE="+promptFile,
		"FLOTILLA_RISK="+a.Task.Risk.String(),
	)

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		_ = r.Git.RemoveWorktree(context.WithoutCancel(ctx), r.Repo, worktree)
		return nil, spawnError(taskID, "start agent", err)
	}

	r.mu.Lock()
	if r.agents == nil {
		r.agents = make(map[string]*process)
	}
	r.agents[agentID] = p
	r.mu.Unlock()

	r.logger().InfoContext(ctx, "agent spawned",
		"agent_id", agentID, "task_id", taskID, "branch", branch, "pid", cmd.Process.Pid)

	go func() {
		defer cancel()
		defer logFile.Close()
		waitErr := cmd.Wait()
		if echo != nil {
			_ = echo.Flush()
		}
		r.finish(context.WithoutCancel(ctx), p, waitErr)
	}()
	return &p.handle, nil
}

// finish records the result once the command exits and removes the worktree.
// The branch is kept for merging.
func (r *CommandRunner) finish(ctx context.Context, p *process, waitErr error) {
	h := p.handle
	res := Result{
		AgentID:  h.AgentID,
		TaskID:   h.TaskID,
		Branch:   h.Branch,
		Duration: time.Since(h.StartedAt),
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		head, err := r.Git.HeadCommit(ctx, h.Worktree, "HEAD")
		switch {
		case err != nil:
			res.Error = fmt.Sprintf("read agent commit: %v", err)
		case head == p.base:
			res.Error = "agent exited without committing any work"
		default:
			res.Success = true
			res.CommitSHA = head
		}
	case stderrors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Error = fmt.Sprintf("agent exited with status %d", res.ExitCode)
	default:
		res.ExitCode = -1
		res.Error = waitErr.Error()
	}

	if err := r.Git.RemoveWorktree(ctx, r.Repo, h.Worktree); err != nil {
		r.logger().Warn("failed to remove agent worktree", "worktree", h.Worktree, "error", err)
	}

	r.logger().Info("agent finished",
		"agent_id", h.AgentID, "task_id", h.TaskID, "success", res.Success,
		"exit_code", res.ExitCode, "duration", res.Duration)

	p.result = res
	close(p.done)
}

func (r *CommandRunner) lookup(h *Handle) (*process, error) {
	if h == nil {
		return nil, ErrUnknownHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.agents[h.AgentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.AgentID)
	}
	return p, nil
}

// Status reports whether the agent is still running
func (r *CommandRunner) Status(_ context.Context, h *Handle) (State, error) {
	p, err := r.lookup(h)
	if err != nil {
		return "", err
	}
	select {
	case <-p.done:
		if p.result.Success {
			return StateSucceeded, nil
		}
		return StateFailed, nil
	default:
		return StateRunning, nil
	}
}

// Result returns the outcome of a finished agent
func (r *CommandRunner) Result(_ context.Context, h *Handle) (*Result, error) {
	p, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.done:
		res := p.result
		return &res, nil
	default:
		return nil, ErrRunning
	}
}

// Wait blocks until the agent finishes or ctx is done
func (r *CommandRunner) Wait(ctx context.Context, h *Handle) (*Result, error) {
	p, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.done:
		res := p.result
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func spawnError(taskID, step string, err error) error {
	return errors.Wrap(errors.ErrCodeExecSpawnFailed, fmt.Sprintf("spawn agent for task %s: %s", taskID, step), err)
}
