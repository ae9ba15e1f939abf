// Package resolve merges finished agent work into the integration line,
// deferring conflicting branches until the merges around them settle.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/integration"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
)

// MaxIterations bounds a single ResolveInWaves call
const MaxIterations = 100

// TaskResult is what an agent reported when its task finished
type TaskResult struct {
	TaskID    domain.TaskID `json:"task_id"`
	AgentID   string        `json:"agent_id"`
	Branch    string        `json:"branch"`
	CommitSHA string        `json:"commit_sha,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Merger merges one branch into the integration line of a PRD
type Merger interface {
	MergeAgentWork(ctx context.Context, branch, agentID string, taskID domain.TaskID, prdID string) (*integration.MergeRecord, error)
}

// Resolution is a pipeline's answer for one conflicted task. A non-empty
// Branch replaces the task's branch for the next merge attempt.
type Resolution struct {
	TaskID         domain.TaskID `json:"task_id"`
	Branch         string        `json:"branch,omitempty"`
	Irreconcilable bool          `json:"irreconcilable"`
	Reason         string        `json:"reason,omitempty"`
}

// ResolutionPipeline resolves conflicts the resolver could not get past
type ResolutionPipeline interface {
	Resolve(ctx context.Context, prdID string, conflicted []TaskResult) ([]Resolution, error)
}

// Result reports one ResolveInWaves call. Merges and failures are only those
// decided during this call. Conflicted marks the failures caused by a merge
// conflict.
type Result struct {
	WavesExecuted int                       `json:"waves_executed"`
	MergeRecords  []integration.MergeRecord `json:"merge_records"`
	FailedTaskIDs []domain.TaskID           `json:"failed_task_ids"`
	Failures      map[domain.TaskID]string  `json:"failures,omitempty"`
	Conflicted    map[domain.TaskID]bool    `json:"conflicted,omitempty"`
	Success       bool                      `json:"success"`
	Reason        string                    `json:"reason,omitempty"`
}

func (r *Result) fail(id domain.TaskID, reason string) {
	r.FailedTaskIDs = append(r.FailedTaskIDs, id)
	r.Failures[id] = reason
}

// Resolver runs the bounded merge loop. It remembers which tasks it merged or
// failed, so feeding it every completion accumulated so far is safe.
type Resolver struct {
	merger   Merger
	pipeline ResolutionPipeline
	logger   *log.Logger
	metrics  *metrics.Metrics
	maxIter  int

	mu     sync.Mutex
	merged map[domain.TaskID]bool
	failed map[domain.TaskID]bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithPipeline sets the conflict resolution pipeline
func WithPipeline(p ResolutionPipeline) Option {
	return func(r *Resolver) { r.pipeline = p }
}

// WithLogger sets the resolver logger
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithMaxIterations overrides MaxIterations
func WithMaxIterations(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxIter = n
		}
	}
}

// New creates a resolver merging through merger
func New(merger Merger, opts ...Option) *Resolver {
	r := &Resolver{
		merger:  merger,
		maxIter: MaxIterations,
		merged:  make(map[domain.TaskID]bool),
		failed:  make(map[domain.TaskID]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.Nop()
	}
	r.logger = r.logger.WithComponent("resolver")
	return r
}

// Merged reports whether id has been merged by this resolver
func (r *Resolver) Merged(id domain.TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merged[id]
}

// ResolveInWaves merges every successful result not merged yet. Conflicting
// branches are retried while other merges make progress; when an iteration
// merges nothing the conflicts go to the pipeline, or fail when there is none.
func (r *Resolver) ResolveInWaves(ctx context.Context, results []TaskResult, prdID string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := telemetry.StartResolveSpan(ctx, prdID, len(results))
	defer span.End()

	res := &Result{
		Failures:   make(map[domain.TaskID]string),
		Conflicted: make(map[domain.TaskID]bool),
	}
	pending := r.collect(results, res)

	tripped := false
	for len(pending) > 0 {
		if res.WavesExecuted == r.maxIter {
			tripped = true
			res.Reason = fmt.Sprintf("liveness guard tripped after %d iterations", r.maxIter)
			for _, p := range pending {
				r.markConflicted(res, p.TaskID, res.Reason)
			}
			r.logger.WarnContext(ctx, "resolution iteration limit reached",
				"prd_id", prdID, "iterations", r.maxIter, "pending", len(pending))
			break
		}
		res.WavesExecuted++

		var deferred []TaskResult
		progress := false
		for i, p := range pending {
			if err := ctx.Err(); err != nil {
				res.Reason = fmt.Sprintf("resolution cancelled: %v", err)
				for _, rest := range pending[i:] {
					r.markFailed(res, rest.TaskID, res.Reason)
				}
				break
			}

			rec, err := r.merger.MergeAgentWork(ctx, p.Branch, p.AgentID, p.TaskID, prdID)
			switch {
			case err == nil:
				r.merged[p.TaskID] = true
				res.MergeRecords = append(res.MergeRecords, *rec)
				progress = true
			case integration.IsConflict(err):
				r.logger.DebugContext(ctx, "deferring conflicted merge", "task_id", p.TaskID, "branch", p.Branch)
				deferred = append(deferred, p)
			default:
				r.logger.WithError(err).WarnContext(ctx, "merge failed", "task_id", p.TaskID, "branch", p.Branch)
				r.markFailed(res, p.TaskID, fmt.Sprintf("merge failed: %v", err))
			}
		}
		if err := ctx.Err(); err != nil {
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("resolution cancelled: %v", err)
			}
			for _, p := range deferred {
				r.markConflicted(res, p.TaskID, res.Reason)
			}
			break
		}

		pending = deferred
		if len(pending) == 0 || progress {
			continue
		}
		pending = r.escalate(ctx, prdID, pending, res)
	}

	res.Success = len(res.FailedTaskIDs) == 0
	if !res.Success && res.Reason == "" {
		res.Reason = fmt.Sprintf("%d task(s) failed to merge", len(res.FailedTaskIDs))
	}

	r.metrics.RecordResolve(res.WavesExecuted, tripped)
	telemetry.RecordSuccess(span,
		attribute.Int("iterations", res.WavesExecuted),
		attribute.Int("merged", len(res.MergeRecords)),
		attribute.Int("failed", len(res.FailedTaskIDs)),
	)
	return res
}

// collect picks the results that still need merging and fails the
// unsuccessful ones
func (r *Resolver) collect(results []TaskResult, res *Result) []TaskResult {
	var pending []TaskResult
	seen := make(map[domain.TaskID]bool, len(results))
	for _, tr := range results {
		if seen[tr.TaskID] || r.merged[tr.TaskID] || r.failed[tr.TaskID] {
			continue
		}
		seen[tr.TaskID] = true
		if !tr.Success {
			reason := tr.Error
			if reason == "" {
				reason = "agent reported failure"
			}
			r.markFailed(res, tr.TaskID, reason)
			continue
		}
		if tr.Branch == "" {
			r.markFailed(res, tr.TaskID, "agent reported success without a branch")
			continue
		}
		pending = append(pending, tr)
	}
	return pending
}

// escalate hands stuck conflicts to the pipeline. It returns the tasks worth
// another merge attempt.
func (r *Resolver) escalate(ctx context.Context, prdID string, pending []TaskResult, res *Result) []TaskResult {
	if r.pipeline == nil {
		for _, p := range pending {
			r.markConflicted(res, p.TaskID, "unresolved merge conflict and no resolution pipeline configured")
		}
		return nil
	}

	resolutions, err := r.pipeline.Resolve(ctx, prdID, pending)
	if err != nil {
		r.logger.WithError(err).WarnContext(ctx, "resolution pipeline failed", "prd_id", prdID, "tasks", len(pending))
		for _, p := range pending {
			r.markConflicted(res, p.TaskID, fmt.Sprintf("resolution pipeline failed: %v", err))
		}
		return nil
	}

	byTask := make(map[domain.TaskID]Resolution, len(resolutions))
	for _, rs := range resolutions {
		byTask[rs.TaskID] = rs
	}

	var retry []TaskResult
	for _, p := range pending {
		rs, ok := byTask[p.TaskID]
		switch {
		case !ok:
			r.markConflicted(res, p.TaskID, "conflict not resolved by pipeline")
		case rs.Irreconcilable:
			reason := "irreconcilable conflict"
			if rs.Reason != "" {
				reason = reason + ": " + rs.Reason
			}
			r.markConflicted(res, p.TaskID, reason)
		default:
			if rs.Branch != "" {
				p.Branch = rs.Branch
			}
			retry = append(retry, p)
		}
	}
	if len(retry) > 0 {
		r.logger.InfoContext(ctx, "retrying resolved conflicts", "prd_id", prdID, "tasks", taskList(retry))
	}
	return retry
}

func (r *Resolver) markFailed(res *Result, id domain.TaskID, reason string) {
	r.failed[id] = true
	res.fail(id, reason)
}

func (r *Resolver) markConflicted(res *Result, id domain.TaskID, reason string) {
	r.markFailed(res, id, reason)
	res.Conflicted[id] = true
}

func taskList(results []TaskResult) string {
	ids := make([]string, len(results))
	for i, tr := range results {
		ids[i] = tr.TaskID.String()
	}
	return strings.Join(ids, ",")
}
