package schedule

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/log"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
	"github.com/felixgeelhaar/flotilla/internal/overlap"
	"github.com/felixgeelhaar/flotilla/internal/prd"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
)

// ForcedWave is the wave number of tasks spawned through ForceSpawn
const ForcedWave = 0

// Wave is a group of tasks that may run concurrently
type Wave struct {
	Number int        `json:"number"`
	Tasks  []prd.Task `json:"tasks"`
}

// IDs returns the ids of the wave's tasks in order
func (w Wave) IDs() []domain.TaskID {
	out := make([]domain.TaskID, len(w.Tasks))
	for i, t := range w.Tasks {
		out[i] = t.ID
	}
	return out
}

// Result is the outcome of a scheduling pass
type Result struct {
	Waves        []Wave                               `json:"waves"`
	Predictions  map[domain.TaskID]overlap.Prediction `json:"predictions"`
	OverlapEdges int                                  `json:"overlap_edges"`

	assignment map[domain.TaskID]int
}

// WaveOf returns the wave number assigned to id
func (r *Result) WaveOf(id domain.TaskID) (int, bool) {
	n, ok := r.assignment[id]
	return n, ok
}

// Set is a set of task ids
type Set map[domain.TaskID]bool

// NewSet builds a set from ids
func NewSet(ids ...domain.TaskID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Scheduler partitions tasks into waves so that tasks predicted to touch the
// same resources never share a wave and every task runs after its dependencies.
type Scheduler struct {
	predictor overlap.Predictor
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler around predictor
func New(predictor overlap.Predictor, opts ...Option) *Scheduler {
	s := &Scheduler{predictor: predictor}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	s.logger = s.logger.WithComponent("scheduler")
	return s
}

// Predict returns the predictor's footprint for task
func (s *Scheduler) Predict(task prd.Task) overlap.Prediction {
	return s.predictor.Predict(task)
}

// Conflicting reports whether candidate overlaps any running prediction
func Conflicting(candidate overlap.Prediction, running []overlap.Prediction) bool {
	for _, r := range running {
		if overlap.Overlaps(candidate, r) {
			return true
		}
	}
	return false
}

// ScheduleWaves assigns every task a wave number starting at 1.
// Dependencies on tasks outside the input are treated as satisfied.
func (s *Scheduler) ScheduleWaves(ctx context.Context, tasks []prd.Task) (*Result, error) {
	ctx, span := telemetry.StartScheduleSpan(ctx, "waves", len(tasks))
	defer span.End()

	res, err := s.schedule(ctx, tasks)
	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordSchedule("full", nil, 0, err)
		return nil, err
	}

	sizes := make([]int, len(res.Waves))
	for i, w := range res.Waves {
		sizes[i] = len(w.Tasks)
	}
	s.metrics.RecordSchedule("full", sizes, res.OverlapEdges, nil)
	telemetry.RecordSuccess(span,
		attribute.Int("waves", len(res.Waves)),
		attribute.Int("overlap_edges", res.OverlapEdges),
	)
	s.logger.DebugContext(ctx, "scheduled waves",
		"tasks", len(tasks), "waves", len(res.Waves), "overlap_edges", res.OverlapEdges)
	return res, nil
}

func (s *Scheduler) schedule(ctx context.Context, tasks []prd.Task) (*Result, error) {
	n := len(tasks)
	res := &Result{
		Predictions: make(map[domain.TaskID]overlap.Prediction, n),
		assignment:  make(map[domain.TaskID]int, n),
	}
	if n == 0 {
		return res, nil
	}

	index := make(map[domain.TaskID]int, n)
	for i, t := range tasks {
		if _, dup := index[t.ID]; dup {
			return nil, errors.NewPRDInvalidError(fmt.Sprintf("task %s appears more than once", t.ID))
		}
		index[t.ID] = i
	}

	// 1. predictions
	preds := make([]overlap.Prediction, n)
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		preds[i] = s.predictor.Predict(t)
		res.Predictions[t.ID] = preds[i]
	}

	// 2. overlap graph
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if overlap.Overlaps(preds[i], preds[j]) {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
				res.OverlapEdges++
			}
		}
	}

	// 3. dependency graph restricted to the input
	deps := make([][]int, n)
	for i, t := range tasks {
		seen := make(map[int]bool)
		for _, d := range t.Dependencies {
			if j, ok := index[d]; ok && !seen[j] {
				seen[j] = true
				deps[i] = append(deps[i], j)
			}
		}
	}

	// 4 + 5. greedy placement with a dependency floor
	wave := make([]int, n)
	placed := 0
	for placed < n {
		next := -1
		for i := 0; i < n; i++ {
			if wave[i] != 0 || !allPlaced(deps[i], wave) {
				continue
			}
			if next < 0 || placesBefore(i, next, deps, neighbors) {
				next = i
			}
		}
		if next < 0 {
			var rest []prd.Task
			for i, t := range tasks {
				if wave[i] == 0 {
					rest = append(rest, t)
				}
			}
			return nil, errors.NewCyclicDependencyError(domain.TaskIDs(prd.FindCycle(rest)))
		}

		floor := 1
		for _, d := range deps[next] {
			floor = max(floor, wave[d]+1)
		}
		taken := make(map[int]bool, len(neighbors[next]))
		for _, nb := range neighbors[next] {
			if wave[nb] != 0 {
				taken[wave[nb]] = true
			}
		}
		w := floor
		for taken[w] {
			w++
		}
		wave[next] = w
		res.assignment[tasks[next].ID] = w
		placed++
	}

	// 6. group
	byWave := make(map[int][]prd.Task)
	for i, t := range tasks {
		byWave[wave[i]] = append(byWave[wave[i]], t)
	}
	numbers := make([]int, 0, len(byWave))
	for w := range byWave {
		numbers = append(numbers, w)
	}
	sort.Ints(numbers)
	for _, w := range numbers {
		res.Waves = append(res.Waves, Wave{Number: w, Tasks: byWave[w]})
	}
	return res, nil
}

// placesBefore orders eligible tasks: fewer dependencies, then more overlap
// edges, then input order
func placesBefore(a, b int, deps, neighbors [][]int) bool {
	if len(deps[a]) != len(deps[b]) {
		return len(deps[a]) < len(deps[b])
	}
	if len(neighbors[a]) != len(neighbors[b]) {
		return len(neighbors[a]) > len(neighbors[b])
	}
	return a < b
}

func allPlaced(deps []int, wave []int) bool {
	for _, d := range deps {
		if wave[d] == 0 {
			return false
		}
	}
	return true
}

// NextWave schedules the tasks that are neither spawned nor merged and whose
// dependencies are all merged, and returns the first resulting wave.
// It returns nil when nothing is eligible.
func (s *Scheduler) NextWave(ctx context.Context, tasks []prd.Task, spawned, merged Set) (*Wave, error) {
	var eligible []prd.Task
	for _, t := range tasks {
		if spawned[t.ID] || merged[t.ID] {
			continue
		}
		ready := true
		for _, d := range t.Dependencies {
			if !merged[d] {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	res, err := s.ScheduleWaves(ctx, eligible)
	if err != nil {
		return nil, err
	}
	first := res.Waves[0]
	return &first, nil
}

// ForceSpawn builds wave 0 from ids, ignoring predicted overlap. Every
// dependency of a forced task must already be merged.
func (s *Scheduler) ForceSpawn(tasks []prd.Task, ids []domain.TaskID, merged Set) (*Wave, error) {
	byID := make(map[domain.TaskID]prd.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	wave := &Wave{Number: ForcedWave}
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			err := errors.New(errors.ErrCodeSchedUnknownTask, fmt.Sprintf("cannot force spawn unknown task %s", id))
			s.metrics.RecordSchedule("force", nil, 0, err)
			return nil, err
		}
		for _, d := range t.Dependencies {
			if !merged[d] {
				err := errors.NewUnmetDependencyError(string(id), string(d))
				s.metrics.RecordSchedule("force", nil, 0, err)
				return nil, err
			}
		}
		wave.Tasks = append(wave.Tasks, t)
	}

	s.metrics.RecordSchedule("force", []int{len(wave.Tasks)}, 0, nil)
	s.logger.Info("force spawning tasks", "tasks", domain.TaskIDs(wave.IDs()))
	return wave, nil
}
