package schedule

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/overlap"
	"github.com/felixgeelhaar/flotilla/internal/prd"
)

// genTasks draws an acyclic task set where each task may depend on earlier
// ones, plus random domain tags and resource paths per task
func genTasks(t *rapid.T) ([]prd.Task, staticResources) {
	n := rapid.IntRange(1, 12).Draw(t, "n")
	domains := []string{"auth", "ui", "storage-layer", "docs", "build"}
	paths := []string{"api/", "api/users.go", "web/", "db/schema.sql", "docs/"}

	tasks := make([]prd.Task, n)
	fp := make(staticResources, n)
	for i := 0; i < n; i++ {
		id := domain.TaskID(fmt.Sprintf("t%d", i))
		var deps []domain.TaskID
		for j := 0; j < i; j++ {
			if rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("dep-%d-%d", i, j)) == 0 {
				deps = append(deps, domain.TaskID(fmt.Sprintf("t%d", j)))
			}
		}
		tasks[i] = prd.Task{ID: id, Description: string(id), Dependencies: deps}
		fp[id] = overlap.Prediction{
			TaskID:    id,
			Domains:   rapid.SliceOfNDistinct(rapid.SampledFrom(domains), 0, 2, rapid.ID[string]).Draw(t, fmt.Sprintf("domains-%d", i)),
			Resources: rapid.SliceOfNDistinct(rapid.SampledFrom(paths), 0, 2, rapid.ID[string]).Draw(t, fmt.Sprintf("paths-%d", i)),
		}
	}

	// shuffle input order so placement does not rely on topological input
	perm := rapid.Permutation(tasks).Draw(t, "order")
	return perm, fp
}

type staticResources map[domain.TaskID]overlap.Prediction

func (s staticResources) Predict(t prd.Task) overlap.Prediction { return s[t.ID] }

func TestScheduleWaves_WaveCorrectness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks, fp := genTasks(t)
		res, err := New(fp).ScheduleWaves(context.Background(), tasks)
		if err != nil {
			t.Fatalf("ScheduleWaves: %v", err)
		}

		seen := 0
		for _, w := range res.Waves {
			if w.Number < 1 {
				t.Fatalf("wave number %d below 1", w.Number)
			}
			for i := range w.Tasks {
				seen++
				for j := i + 1; j < len(w.Tasks); j++ {
					a, b := fp[w.Tasks[i].ID], fp[w.Tasks[j].ID]
					if overlap.Overlaps(a, b) {
						t.Fatalf("overlapping tasks %s and %s share wave %d", a.TaskID, b.TaskID, w.Number)
					}
				}
			}
		}
		if seen != len(tasks) {
			t.Fatalf("scheduled %d tasks, want %d", seen, len(tasks))
		}
	})
}

func TestScheduleWaves_DependencyOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks, fp := genTasks(t)
		res, err := New(fp).ScheduleWaves(context.Background(), tasks)
		if err != nil {
			t.Fatalf("ScheduleWaves: %v", err)
		}

		for _, task := range tasks {
			wt, _ := res.WaveOf(task.ID)
			for _, dep := range task.Dependencies {
				wd, _ := res.WaveOf(dep)
				if wt <= wd {
					t.Fatalf("task %s in wave %d does not follow dependency %s in wave %d", task.ID, wt, dep, wd)
				}
			}
		}
	})
}

func TestForceSpawn_UnmergedDependencyAlwaysFails(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks, fp := genTasks(t)
		s := New(fp)

		for _, task := range tasks {
			if len(task.Dependencies) == 0 {
				continue
			}
			merged := NewSet()
			for _, dep := range task.Dependencies[1:] {
				merged[dep] = true
			}
			w, err := s.ForceSpawn(tasks, []domain.TaskID{task.ID}, merged)
			if err == nil || w != nil {
				t.Fatalf("force spawn of %s with unmerged dependency %s succeeded", task.ID, task.Dependencies[0])
			}
		}
	})
}
