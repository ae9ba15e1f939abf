package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for flotilla.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Spawn scheduling
	Schedules        *prometheus.CounterVec
	WavesPerSchedule prometheus.Histogram
	WaveSize         prometheus.Histogram
	OverlapEdges     prometheus.Histogram

	// Wave resolution
	MergeOutcomes     *prometheus.CounterVec
	ResolveIterations prometheus.Histogram
	LivenessTrips     prometheus.Counter

	// Integration line
	MergeDuration *prometheus.HistogramVec
	Checkpoints   *prometheus.CounterVec

	// Approvals
	ApprovalRequests    *prometheus.CounterVec
	ApprovalWait        *prometheus.HistogramVec
	ApprovalTransitions *prometheus.CounterVec
	ApprovalQueueDepth  prometheus.Gauge

	// Execution
	Runs            *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	TaskTransitions *prometheus.CounterVec
	RunningTasks    prometheus.Gauge

	// Hooks
	HookExecutions *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Schedules: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_schedules_total",
				Help: "Total number of scheduling passes",
			},
			[]string{"kind", "success"},
		),
		WavesPerSchedule: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_schedule_waves",
				Help:    "Number of waves produced per scheduling pass",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 32},
			},
		),
		WaveSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_wave_size_tasks",
				Help:    "Number of tasks per scheduled wave",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		OverlapEdges: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_schedule_overlap_edges",
				Help:    "Number of predicted overlap edges per scheduling pass",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),

		MergeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_merge_outcomes_total",
				Help: "Merge attempts into the integration line by outcome",
			},
			[]string{"outcome"},
		),
		ResolveIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_resolve_iterations",
				Help:    "Iterations of the merge loop per resolution call",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
			},
		),
		LivenessTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flotilla_resolve_liveness_trips_total",
				Help: "Resolution calls stopped by the iteration cap",
			},
		),

		MergeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flotilla_merge_duration_seconds",
				Help:    "Duration of git merges into the integration line",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		Checkpoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_checkpoints_total",
				Help: "Checkpoint review requests opened",
			},
			[]string{"success"},
		),

		ApprovalRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_approval_requests_total",
				Help: "Approval gate calls by phase, risk and outcome",
			},
			[]string{"phase", "risk", "outcome"},
		),
		ApprovalWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flotilla_approval_wait_seconds",
				Help:    "Time spent waiting for a human decision",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"outcome"},
		),
		ApprovalTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_approval_transitions_total",
				Help: "Conditional approval state transitions and whether they applied",
			},
			[]string{"transition", "applied"},
		),
		ApprovalQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flotilla_approval_queue_depth",
				Help: "Pending approval requests at the last snapshot",
			},
		),

		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_runs_total",
				Help: "PRD executions by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_run_duration_seconds",
				Help:    "PRD execution duration in seconds",
				Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_task_transitions_total",
				Help: "Task status transitions by target status",
			},
			[]string{"status"},
		),
		RunningTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flotilla_running_tasks",
				Help: "Tasks currently being worked on by agents",
			},
		),

		HookExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_hook_executions_total",
				Help: "Lifecycle hook executions",
			},
			[]string{"hook", "event", "success"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// RecordSchedule records one scheduling pass
func (m *Metrics) RecordSchedule(kind string, waveSizes []int, edges int, err error) {
	if m == nil {
		return
	}
	m.Schedules.WithLabelValues(kind, strconv.FormatBool(err == nil)).Inc()
	if err != nil {
		return
	}
	m.WavesPerSchedule.Observe(float64(len(waveSizes)))
	for _, n := range waveSizes {
		m.WaveSize.Observe(float64(n))
	}
	m.OverlapEdges.Observe(float64(edges))
}

// RecordMerge records a merge attempt; outcome is merged, conflict or failed
func (m *Metrics) RecordMerge(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.MergeOutcomes.WithLabelValues(outcome).Inc()
	m.MergeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordResolve records one resolution call
func (m *Metrics) RecordResolve(iterations int, livenessTripped bool) {
	if m == nil {
		return
	}
	m.ResolveIterations.Observe(float64(iterations))
	if livenessTripped {
		m.LivenessTrips.Inc()
	}
}

// RecordCheckpoint records a checkpoint attempt
func (m *Metrics) RecordCheckpoint(err error) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
}

// RecordApproval records the outcome of an approval gate call
func (m *Metrics) RecordApproval(phase, risk, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalRequests.WithLabelValues(phase, risk, outcome).Inc()
	if waited > 0 {
		m.ApprovalWait.WithLabelValues(outcome).Observe(waited.Seconds())
	}
}

// RecordTransition records a conditional approval update
func (m *Metrics) RecordTransition(transition string, applied bool) {
	if m == nil {
		return
	}
	m.ApprovalTransitions.WithLabelValues(transition, strconv.FormatBool(applied)).Inc()
}

// SetQueueDepth publishes the number of pending approval requests
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ApprovalQueueDepth.Set(float64(n))
}

// RecordTaskStatus records a task entering status
func (m *Metrics) RecordTaskStatus(status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(status).Inc()
}

// SetRunning publishes the number of running tasks
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.RunningTasks.Set(float64(n))
}

// RecordRun records a finished PRD execution
func (m *Metrics) RecordRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// RecordHook records a hook execution
func (m *Metrics) RecordHook(hook, event string, err error) {
	if m == nil {
		return
	}
	m.HookExecutions.WithLabelValues(hook, event, strconv.FormatBool(err == nil)).Inc()
}

// RecordError counts an error by its code
func (m *Metrics) RecordError(code, component string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
