// Package executor drives one PRD to completion: it spawns ready tasks in
// non-overlapping waves, gates risky spawns behind approval, merges finished
// work through the resolver and opens periodic checkpoint reviews.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/flotilla/internal/agent"
	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/checkpoint"
	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/hooks"
	"github.com/felixgeelhaar/flotilla/internal/integration"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
	"github.com/felixgeelhaar/flotilla/internal/overlap"
	"github.com/felixgeelhaar/flotilla/internal/prd"
	"github.com/felixgeelhaar/flotilla/internal/resolve"
	"github.com/felixgeelhaar/flotilla/internal/schedule"
)

// Scheduler picks the next wave of tasks to spawn
type Scheduler interface {
	NextWave(ctx context.Context, tasks []prd.Task, spawned, merged schedule.Set) (*schedule.Wave, error)
	Predict(task prd.Task) overlap.Prediction
}

// Resolver merges finished work into the integration line
type Resolver interface {
	ResolveInWaves(ctx context.Context, results []resolve.TaskResult, prdID string) *resolve.Result
}

// Integration owns the integration line of a PRD
type Integration interface {
	CreateIntegrationBranch(ctx context.Context, prdID string) (string, error)
	CreateCheckpointPR(ctx context.Context, prdID, description string, tasks []domain.TaskID) (*integration.CheckpointPR, error)
}

// Approver asks for sign-off before a risky spawn
type Approver interface {
	RequestApproval(ctx context.Context, in approval.Input) (approval.Outcome, error)
}

var (
	_ Scheduler   = (*schedule.Scheduler)(nil)
	_ Resolver    = (*resolve.Resolver)(nil)
	_ Integration = (*integration.Manager)(nil)
	_ Approver    = (*approval.Gate)(nil)
)

// Deps are the collaborators of an Executor. Gate, Hooks and RunState are
// optional.
type Deps struct {
	Runner      agent.Runner
	Scheduler   Scheduler
	Resolver    Resolver
	Integration Integration
	Gate        Approver
	Hooks       *hooks.Registry
	RunState    *checkpoint.Manager
	Logger      *log.Logger
	Metrics     *metrics.Metrics
}

// Options tune the control loop
type Options struct {
	// MaxConcurrency caps running agents
	MaxConcurrency int

	// CheckpointInterval opens a checkpoint review every N merged tasks;
	// zero disables interim checkpoints
	CheckpointInterval int

	// PollInterval is the delay between agent status polls
	PollInterval time.Duration

	// ApprovalTimeout bounds each spawn approval
	ApprovalTimeout time.Duration

	// AgentPrefix prefixes the requester id of spawn approvals
	AgentPrefix string
}

// DefaultOptions returns the options used for zero fields
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:     4,
		CheckpointInterval: 5,
		PollInterval:       2 * time.Second,
		ApprovalTimeout:    approval.DefaultTimeout,
		AgentPrefix:        "flotilla:",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.CheckpointInterval < 0 {
		o.CheckpointInterval = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = d.ApprovalTimeout
	}
	if o.AgentPrefix == "" {
		o.AgentPrefix = d.AgentPrefix
	}
	return o
}

// Outcome summarizes a run
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeAborted   Outcome = "aborted"
)

// Result reports a finished run
type Result struct {
	PRDID            string                     `json:"prd_id"`
	Outcome          Outcome                    `json:"outcome"`
	Completed        []domain.TaskID            `json:"completed"`
	FailedTaskIDs    []domain.TaskID            `json:"failed_task_ids"`
	CancelledTaskIDs []domain.TaskID            `json:"cancelled_task_ids"`
	Reasons          map[domain.TaskID]string   `json:"reasons,omitempty"`
	MergeRecords     []integration.MergeRecord  `json:"merge_records"`
	Checkpoints      []integration.CheckpointPR `json:"checkpoints"`
	Duration         time.Duration              `json:"duration"`
	Error            string                     `json:"error,omitempty"`

	// Err is the fatal error of an aborted run
	Err error `json:"-"`
}

// StatusSnapshot is a point-in-time view of a run
type StatusSnapshot struct {
	PRDID  string                    `json:"prd_id"`
	Counts map[domain.TaskStatus]int `json:"counts"`

	// QueueDepth counts PENDING tasks whose dependencies are all merged
	QueueDepth int `json:"queue_depth"`

	// BackendUtilization is running agents over MaxConcurrency
	BackendUtilization float64   `json:"backend_utilization"`
	Running            int       `json:"running"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Executor runs PRDs. Each Run owns the document it is given; Status may be
// called from any goroutine.
type Executor struct {
	deps   Deps
	opts   Options
	logger *log.Logger

	mu     sync.RWMutex
	status StatusSnapshot
}

// New validates deps and creates an executor
func New(deps Deps, opts Options) (*Executor, error) {
	switch {
	case deps.Runner == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "executor requires an agent runner")
	case deps.Scheduler == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "executor requires a scheduler")
	case deps.Resolver == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "executor requires a resolver")
	case deps.Integration == nil:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "executor requires an integration manager")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.WithComponent("executor"),
		status: StatusSnapshot{Counts: map[domain.TaskStatus]int{}},
	}, nil
}

// Options returns the effective options
func (e *Executor) Options() Options {
	return e.opts
}

// Status returns the latest snapshot of the current or last run
func (e *Executor) Status() StatusSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.Counts = make(map[domain.TaskStatus]int, len(e.status.Counts))
	for k, v := range e.status.Counts {
		s.Counts[k] = v
	}
	return s
}

func (e *Executor) publish(doc *prd.Document, running int) {
	counts := doc.StatusCounts()
	depth := len(doc.Ready())

	e.mu.Lock()
	e.status = StatusSnapshot{
		PRDID:              doc.ID,
		Counts:             counts,
		QueueDepth:         depth,
		BackendUtilization: float64(running) / float64(e.opts.MaxConcurrency),
		Running:            running,
		UpdatedAt:          time.Now().UTC(),
	}
	e.mu.Unlock()
	e.deps.Metrics.SetRunning(running)
}
