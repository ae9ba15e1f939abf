package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/flotilla/internal/agent"
	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/checkpoint"
	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/hooks"
	"github.com/felixgeelhaar/flotilla/internal/overlap"
	"github.com/felixgeelhaar/flotilla/internal/prd"
	"github.com/felixgeelhaar/flotilla/internal/resolve"
	"github.com/felixgeelhaar/flotilla/internal/schedule"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
)

// active is a spawned agent the loop is waiting on
type active struct {
	task   prd.Task
	handle *agent.Handle
	pred   overlap.Prediction
}

// run is the state of one Run call. Only the control loop goroutine touches it.
type run struct {
	e      *Executor
	doc    *prd.Document
	base   string
	state  *checkpoint.State
	result *Result

	running     map[domain.TaskID]*active
	order       []domain.TaskID
	completions []resolve.TaskResult
	wave        int

	sinceCheckpoint []domain.TaskID
}

// Run executes doc until every task is terminal, the run deadlocks or ctx is
// done. The document is mutated in place. A non-nil error means the run was
// aborted; partial success is reported through Result.Outcome.
func (e *Executor) Run(ctx context.Context, doc *prd.Document) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartExecutorSpan(ctx, "run", doc.ID)
	defer span.End()

	r := &run{
		e:       e,
		doc:     doc,
		state:   checkpoint.NewState(doc.ID),
		running: make(map[domain.TaskID]*active),
		result: &Result{
			PRDID:   doc.ID,
			Reasons: make(map[domain.TaskID]string),
		},
	}

	err := r.execute(ctx)
	r.finish(ctx, err)
	r.result.Duration = time.Since(start)

	e.deps.Metrics.RecordRun(string(r.result.Outcome), r.result.Duration)
	if err != nil {
		telemetry.RecordError(span, err)
		e.deps.Metrics.RecordError(string(errors.CodeOf(err)), "executor")
		e.logger.LogError(ctx, "run aborted", err)
	} else {
		telemetry.RecordSuccess(span, attribute.String("outcome", string(r.result.Outcome)))
	}
	e.logger.InfoContext(ctx, "run finished",
		"prd_id", doc.ID, "outcome", r.result.Outcome,
		"completed", len(r.result.Completed), "failed", len(r.result.FailedTaskIDs),
		"cancelled", len(r.result.CancelledTaskIDs), "duration", r.result.Duration)
	return r.result, err
}

func (r *run) execute(ctx context.Context) error {
	if err := r.doc.Validate(); err != nil {
		return err
	}
	for _, t := range r.doc.Tasks {
		r.state.UpdateTask(t.ID, t.Status, t.Reason)
	}

	base, err := r.e.deps.Integration.CreateIntegrationBranch(ctx, r.doc.ID)
	if err != nil {
		return err
	}
	r.base = base
	r.state.SetMetadata("integration_branch", base)
	r.e.logger.InfoContext(ctx, "run started", "prd_id", r.doc.ID, "tasks", len(r.doc.Tasks), "integration_branch", base)
	r.e.deps.Hooks.Emit(ctx, hooks.EventPRDStart, r.doc.ID, map[string]any{
		"tasks":              len(r.doc.Tasks),
		"integration_branch": base,
	})
	r.sync()

	for !r.doc.IsComplete() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeExecAborted, "run cancelled", err)
		}
		if err := r.iterate(ctx); err != nil {
			return err
		}
	}

	r.checkpoint(ctx, "final checkpoint")
	return nil
}

// iterate is one pass of the control loop
func (r *run) iterate(ctx context.Context) error {
	ctx, span := telemetry.StartExecutorSpan(ctx, "iteration", r.doc.ID)
	defer span.End()
	defer r.sync()

	progressed, err := r.spawnReady(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if progressed {
		r.sync()
	}

	if len(r.running) == 0 {
		if progressed || r.doc.IsComplete() {
			return nil
		}
		var stuck []string
		for _, t := range r.doc.Tasks {
			if !t.Status.IsTerminal() {
				stuck = append(stuck, string(t.ID))
			}
		}
		err := errors.NewDeadlockError(r.doc.ID, stuck)
		telemetry.RecordError(span, err)
		return err
	}

	finished, err := r.awaitCompletions(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	r.collect(ctx, finished)
	r.resolve(ctx)

	if n := r.e.opts.CheckpointInterval; n > 0 && len(r.sinceCheckpoint) >= n {
		r.checkpoint(ctx, fmt.Sprintf("checkpoint after %d merged tasks", len(r.sinceCheckpoint)))
	}
	span.SetAttributes(attribute.Int("running", len(r.running)), attribute.Int("finished", len(finished)))
	return nil
}

// spawnReady schedules the next wave and spawns what fits next to the
// running work. It reports whether any task changed status.
func (r *run) spawnReady(ctx context.Context) (bool, error) {
	if len(r.running) >= r.e.opts.MaxConcurrency {
		return false, nil
	}

	spawned, merged := schedule.NewSet(), schedule.NewSet()
	for _, t := range r.doc.Tasks {
		if t.Status != domain.StatusPending {
			spawned[t.ID] = true
		}
		if t.Status == domain.StatusCompleted {
			merged[t.ID] = true
		}
	}

	wave, err := r.e.deps.Scheduler.NextWave(ctx, r.doc.Tasks, spawned, merged)
	if err != nil || wave == nil {
		return false, err
	}
	r.wave++

	runningPreds := make([]overlap.Prediction, 0, len(r.running))
	for _, a := range r.running {
		runningPreds = append(runningPreds, a.pred)
	}

	progressed := false
	for _, task := range wave.Tasks {
		if len(r.running) >= r.e.opts.MaxConcurrency {
			break
		}
		pred := r.e.deps.Scheduler.Predict(task)
		if schedule.Conflicting(pred, runningPreds) {
			r.e.logger.DebugContext(ctx, "deferring overlapping task", "task_id", task.ID)
			continue
		}

		ok, err := r.approve(ctx, task)
		if err != nil {
			return progressed, err
		}
		progressed = true
		if !ok {
			continue
		}

		if r.spawn(ctx, task, pred) {
			runningPreds = append(runningPreds, pred)
		}
	}
	return progressed, nil
}

// approve asks the gate before a spawn. It returns false when the task was
// cancelled or failed instead; the error is fatal only on cancellation.
func (r *run) approve(ctx context.Context, task prd.Task) (bool, error) {
	if r.e.deps.Gate == nil {
		return true, nil
	}

	outcome, err := r.e.deps.Gate.RequestApproval(ctx, approval.Input{
		AgentID:   r.e.opts.AgentPrefix + string(task.ID),
		Phase:     domain.PhaseExecute,
		Operation: "spawn agent for task " + string(task.ID),
		Risk:      task.Risk,
		Context: map[string]string{
			"prd_id":      r.doc.ID,
			"task_id":     string(task.ID),
			"description": task.Description,
		},
		Timeout: r.e.opts.ApprovalTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, errors.Wrap(errors.ErrCodeExecAborted, "run cancelled while awaiting approval", err)
		}
		r.terminate(ctx, task.ID, domain.StatusFailed, "approval failed: "+err.Error())
		return false, nil
	}

	switch outcome {
	case approval.OutcomeRejected:
		r.terminate(ctx, task.ID, domain.StatusCancelled, "spawn rejected by reviewer")
		return false, nil
	case approval.OutcomeTimeout:
		r.terminate(ctx, task.ID, domain.StatusFailed, "spawn approval timed out")
		return false, nil
	}
	return outcome.Allowed(), nil
}

func (r *run) spawn(ctx context.Context, task prd.Task, pred overlap.Prediction) bool {
	prompt := agent.BuildPrompt(r.doc, task)
	h, err := r.e.deps.Runner.Spawn(ctx, agent.Assignment{PRDID: r.doc.ID, Task: task, Base: r.base}, prompt)
	if err != nil {
		r.e.logger.WithError(err).WarnContext(ctx, "spawn failed", "task_id", task.ID)
		r.terminate(ctx, task.ID, domain.StatusFailed, "spawn failed: "+err.Error())
		return false
	}

	if err := r.doc.Assign(task.ID, h.AgentID, h.Branch); err != nil {
		r.e.logger.WithError(err).ErrorContext(ctx, "assign failed", "task_id", task.ID)
	}
	r.setStatus(task.ID, domain.StatusRunning, "")
	r.state.Assign(task.ID, h.AgentID, h.Branch, r.wave)

	r.running[task.ID] = &active{task: task, handle: h, pred: pred}
	r.order = append(r.order, task.ID)
	r.e.logger.InfoContext(ctx, "task spawned",
		"task_id", task.ID, "agent_id", h.AgentID, "branch", h.Branch, "wave", r.wave)
	return true
}

// awaitCompletions polls running agents until at least one has finished
func (r *run) awaitCompletions(ctx context.Context) ([]*agent.Result, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrCodeExecAborted, "run cancelled", ctx.Err())
		case <-timer.C:
		}

		var finished []*agent.Result
		for _, id := range r.order {
			a, ok := r.running[id]
			if !ok {
				continue
			}
			res, done := r.poll(ctx, a)
			if done {
				finished = append(finished, res)
			}
		}
		if len(finished) > 0 {
			return finished, nil
		}
		timer.Reset(r.e.opts.PollInterval)
	}
}

func (r *run) poll(ctx context.Context, a *active) (*agent.Result, bool) {
	failed := func(msg string) *agent.Result {
		return &agent.Result{AgentID: a.handle.AgentID, TaskID: a.task.ID, Branch: a.handle.Branch, Error: msg}
	}

	state, err := r.e.deps.Runner.Status(ctx, a.handle)
	if err != nil {
		return failed("agent status: " + err.Error()), true
	}
	if !state.Done() {
		return nil, false
	}
	res, err := r.e.deps.Runner.Result(ctx, a.handle)
	if err != nil {
		return failed("agent result: " + err.Error()), true
	}
	return res, true
}

// collect moves finished agents out of the running set. Failed agents fail
// their task; successful ones join the completions fed to the resolver.
func (r *run) collect(ctx context.Context, finished []*agent.Result) {
	for _, res := range finished {
		delete(r.running, res.TaskID)
		if !res.Success {
			reason := res.Error
			if reason == "" {
				reason = "agent reported failure"
			}
			r.terminate(ctx, res.TaskID, domain.StatusFailed, reason)
			continue
		}
		r.completions = append(r.completions, resolve.TaskResult{
			TaskID:    res.TaskID,
			AgentID:   res.AgentID,
			Branch:    res.Branch,
			CommitSHA: res.CommitSHA,
			Success:   true,
		})
	}

	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.running[id]; ok {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// resolve feeds every successful completion so far to the resolver
func (r *run) resolve(ctx context.Context) {
	if len(r.completions) == 0 {
		return
	}
	res := r.e.deps.Resolver.ResolveInWaves(ctx, r.completions, r.doc.ID)

	for _, rec := range res.MergeRecords {
		r.result.MergeRecords = append(r.result.MergeRecords, rec)
		r.sinceCheckpoint = append(r.sinceCheckpoint, rec.TaskID)
		r.setStatus(rec.TaskID, domain.StatusCompleted, "")
		r.e.logger.InfoContext(ctx, "task merged", "task_id", rec.TaskID, "commit", rec.CommitSHA)
	}
	for _, id := range res.FailedTaskIDs {
		reason := res.Failures[id]
		if res.Conflicted[id] {
			branch := ""
			if t, ok := r.doc.Task(id); ok {
				branch = t.Branch
			}
			r.e.deps.Hooks.Emit(ctx, hooks.EventMergeConflict, r.doc.ID, map[string]any{
				"task_id": string(id),
				"branch":  branch,
				"reason":  reason,
			})
		}
		r.terminate(ctx, id, domain.StatusFailed, reason)
	}
	if !res.Success && res.Reason != "" {
		r.e.logger.WarnContext(ctx, "resolution incomplete", "reason", res.Reason)
	}

	pending := r.completions[:0]
	for _, c := range r.completions {
		if t, ok := r.doc.Task(c.TaskID); ok && !t.Status.IsTerminal() {
			pending = append(pending, c)
		}
	}
	r.completions = pending
}

// checkpoint opens a review of the merges since the previous checkpoint.
// Failures are logged; a checkpoint never aborts the run.
func (r *run) checkpoint(ctx context.Context, description string) {
	if len(r.sinceCheckpoint) == 0 {
		return
	}
	tasks := append([]domain.TaskID(nil), r.sinceCheckpoint...)
	cp, err := r.e.deps.Integration.CreateCheckpointPR(ctx, r.doc.ID, description, tasks)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeCheckpointEmpty) {
			r.sinceCheckpoint = nil
			return
		}
		r.e.logger.WithError(err).WarnContext(ctx, "checkpoint failed", "prd_id", r.doc.ID)
		return
	}

	r.sinceCheckpoint = nil
	r.result.Checkpoints = append(r.result.Checkpoints, *cp)
	r.state.SetMetadata("last_checkpoint", cp.URL)
	r.e.logger.InfoContext(ctx, "checkpoint opened", "url", cp.URL, "tasks", len(cp.TasksIncluded))
	r.e.deps.Hooks.Emit(ctx, hooks.EventCheckpointCreated, r.doc.ID, map[string]any{
		"url":     cp.URL,
		"tasks":   len(cp.TasksIncluded),
		"commits": len(cp.CommitsIncluded),
	})
}

// terminate fails or cancels a task and cancels everything depending on it
func (r *run) terminate(ctx context.Context, id domain.TaskID, status domain.TaskStatus, reason string) {
	if !r.setStatus(id, status, reason) {
		return
	}
	r.e.logger.WarnContext(ctx, "task terminated", "task_id", id, "status", status, "reason", reason)
	if status == domain.StatusFailed {
		r.e.deps.Hooks.Emit(ctx, hooks.EventTaskFailed, r.doc.ID, map[string]any{
			"task_id": string(id),
			"error":   reason,
		})
	}

	for _, dep := range r.doc.Dependents(id) {
		r.setStatus(dep, domain.StatusCancelled, fmt.Sprintf("dependency %s %s", id, strings.ToLower(string(status))))
	}
}

// setStatus applies a transition to the document, the run state and the
// result. It returns false when the transition is not allowed.
func (r *run) setStatus(id domain.TaskID, status domain.TaskStatus, reason string) bool {
	if err := r.doc.SetStatus(id, status, reason); err != nil {
		return false
	}
	r.state.UpdateTask(id, status, reason)
	r.e.deps.Metrics.RecordTaskStatus(string(status))

	switch status {
	case domain.StatusCompleted:
		r.result.Completed = append(r.result.Completed, id)
	case domain.StatusFailed:
		r.result.FailedTaskIDs = append(r.result.FailedTaskIDs, id)
		r.result.Reasons[id] = reason
	case domain.StatusCancelled:
		r.result.CancelledTaskIDs = append(r.result.CancelledTaskIDs, id)
		r.result.Reasons[id] = reason
	}
	return true
}

// sync publishes the status snapshot and saves the run state
func (r *run) sync() {
	r.e.publish(r.doc, len(r.running))
	if r.e.deps.RunState == nil {
		return
	}
	if err := r.e.deps.RunState.Save(r.state); err != nil {
		r.e.logger.WithError(err).Warn("failed to save run state", "prd_id", r.doc.ID)
	}
}

// finish decides the outcome and reports it
func (r *run) finish(ctx context.Context, err error) {
	res := r.result
	switch {
	case err != nil:
		res.Outcome = OutcomeAborted
		res.Err = err
		res.Error = err.Error()
		for _, id := range r.order {
			if _, ok := r.running[id]; ok {
				r.setStatus(id, domain.StatusCancelled, "run aborted")
			}
		}
	case len(res.FailedTaskIDs) == 0 && len(res.CancelledTaskIDs) == 0 && allCompleted(r.doc):
		res.Outcome = OutcomeSucceeded
	default:
		res.Outcome = OutcomePartial
	}

	switch res.Outcome {
	case OutcomeSucceeded:
		r.state.Status = checkpoint.StatusSucceeded
	case OutcomePartial:
		r.state.Status = checkpoint.StatusPartial
	default:
		r.state.Status = checkpoint.StatusAborted
	}
	r.running = map[domain.TaskID]*active{}
	r.sync()

	data := map[string]any{
		"outcome":   string(res.Outcome),
		"merged":    len(res.Completed),
		"failed":    len(res.FailedTaskIDs),
		"cancelled": len(res.CancelledTaskIDs),
	}
	hookCtx := context.WithoutCancel(ctx)
	if res.Outcome == OutcomeSucceeded {
		data["duration"] = time.Since(r.state.StartedAt).Round(time.Second).String()
		r.e.deps.Hooks.Emit(hookCtx, hooks.EventPRDComplete, r.doc.ID, data)
		return
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.e.deps.Hooks.Emit(hookCtx, hooks.EventPRDFailed, r.doc.ID, data)
}

func allCompleted(doc *prd.Document) bool {
	for _, t := range doc.Tasks {
		if t.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// IsDeadlock reports whether err is a deadlock abort
func IsDeadlock(err error) bool {
	return errors.HasCode(err, errors.ErrCodeExecDeadlock)
}

// IsCancelled reports whether err is a cancellation abort
func IsCancelled(err error) bool {
	return errors.HasCode(err, errors.ErrCodeExecAborted) &&
		(stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded))
}
