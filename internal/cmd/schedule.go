package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/overlap"
	"github.com/felixgeelhaar/flotilla/internal/prd"
	"github.com/felixgeelhaar/flotilla/internal/schedule"
	"github.com/felixgeelhaar/flotilla/internal/ux"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <prd-file>",
	Short: "Show the spawn waves of a PRD without running anything",
	Long: `Partition the PRD's unfinished tasks into waves. Tasks in one wave have no
predicted file overlap and all their dependencies sit in earlier waves.

--force builds wave 0 from the named tasks, ignoring predicted overlap. Every
dependency of a forced task must already be COMPLETED in the document.

Examples:
  flotilla schedule prd.yaml
  flotilla schedule prd.yaml --force task-3,task-4 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().StringSlice("force", nil, "task ids to force into wave 0")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	doc, err := prd.Load(args[0])
	if err != nil {
		return err
	}

	sched := schedule.New(overlap.NewKeywordPredictor(), schedule.WithLogger(cc.Logger))
	merged := schedule.NewSet()
	var open []prd.Task
	for _, t := range doc.Tasks {
		switch {
		case t.Status == domain.StatusCompleted:
			merged[t.ID] = true
		case !t.Status.IsTerminal():
			open = append(open, t)
		}
	}

	if force, _ := cmd.Flags().GetStringSlice("force"); len(force) > 0 {
		ids := make([]domain.TaskID, len(force))
		for i, id := range force {
			ids[i] = domain.TaskID(strings.TrimSpace(id))
		}
		wave, err := sched.ForceSpawn(doc.Tasks, ids, merged)
		if err != nil {
			return err
		}
		return cc.PrintWith(wave, waveReport{waves: []schedule.Wave{*wave}})
	}

	res, err := sched.ScheduleWaves(cmd.Context(), open)
	if err != nil {
		return err
	}
	return cc.PrintWith(res, waveReport{waves: res.Waves, predictions: res.Predictions, edges: res.OverlapEdges})
}

type waveReport struct {
	waves       []schedule.Wave
	predictions map[domain.TaskID]overlap.Prediction
	edges       int
}

func (r waveReport) Render(w io.Writer, s ux.Styles) error {
	if len(r.waves) == 0 {
		fmt.Fprintln(w, "Nothing left to schedule.")
		return nil
	}
	var rows [][]string
	for _, wave := range r.waves {
		for _, t := range wave.Tasks {
			pred := r.predictions[t.ID]
			resources := strings.Join(pred.Resources, ", ")
			if resources == "" && len(t.ResourceHints) > 0 {
				resources = strings.Join(t.ResourceHints, ", ")
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", wave.Number),
				string(t.ID),
				string(t.Risk),
				strings.Join(pred.Domains, ", "),
				resources,
			})
		}
	}
	fmt.Fprint(w, s.Table([]string{"WAVE", "TASK", "RISK", "DOMAINS", "RESOURCES"}, rows))
	if r.predictions != nil {
		fmt.Fprintf(w, "%s %d waves, %d overlap edges\n", s.Muted.Render("summary:"), len(r.waves), r.edges)
	}
	return nil
}
