package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/checkpoint"
	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/ux"
)

var statusCmd = &cobra.Command{
	Use:   "status [prd-id]",
	Short: "Show run progress and the approval queue",
	Long: `Without arguments, summarize every recorded run and the approval queue.
With a PRD id, show the per-task state of that run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Int("decisions", 5, "recent decisions to include in the queue summary")
	statusCmd.Flags().Bool("no-queue", false, "skip the approval queue")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Runs  []*checkpoint.State     `json:"runs,omitempty"`
	Run   *checkpoint.State       `json:"run,omitempty"`
	Queue *approval.QueueSnapshot `json:"queue,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	svc := newServices(cc)
	defer svc.Close()

	runs := checkpoint.NewManager(cc.Config.Executor.RunDir)
	var report statusReport
	if len(args) == 1 {
		report.Run, err = runs.Load(args[0])
	} else {
		report.Runs, err = runs.List()
	}
	if err != nil {
		return err
	}

	if skip, _ := cmd.Flags().GetBool("no-queue"); !skip {
		store, err := svc.Store()
		if err != nil {
			return ux.FormatError(err, "opening approval store")
		}
		limit, _ := cmd.Flags().GetInt("decisions")
		report.Queue, err = store.Snapshot(cmd.Context(), limit)
		if err != nil {
			return err
		}
	}
	return cc.PrintWith(report, report)
}

func (r statusReport) Render(w io.Writer, s ux.Styles) error {
	switch {
	case r.Run != nil:
		renderRun(w, s, r.Run)
	case len(r.Runs) == 0:
		fmt.Fprintln(w, "No runs recorded.")
	default:
		rows := make([][]string, len(r.Runs))
		for i, st := range r.Runs {
			counts := st.Counts()
			rows[i] = []string{
				st.PRDID, s.Status(st.Status),
				fmt.Sprintf("%.0f%%", st.Progress()*100),
				strconv.Itoa(counts[domain.StatusCompleted]),
				strconv.Itoa(counts[domain.StatusFailed]),
				st.UpdatedAt.Format("2006-01-02 15:04:05"),
			}
		}
		fmt.Fprintln(w, s.Title.Render("Runs"))
		fmt.Fprint(w, s.Table([]string{"PRD", "STATUS", "PROGRESS", "COMPLETED", "FAILED", "UPDATED"}, rows))
	}

	if r.Queue != nil {
		fmt.Fprintln(w)
		renderQueue(w, s, r.Queue)
	}
	return nil
}

func renderRun(w io.Writer, s ux.Styles, st *checkpoint.State) {
	fmt.Fprintf(w, "%s %s  %s  %.0f%% done\n",
		s.Title.Render("Run"), st.PRDID, s.Status(st.Status), st.Progress()*100)
	if branch := st.Metadata["integration_branch"]; branch != "" {
		fmt.Fprintf(w, "%s %s\n", s.Label.Render("integration"), branch)
	}

	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, len(ids))
	for i, id := range ids {
		t := st.Tasks[id]
		rows[i] = []string{
			id, s.Status(string(t.Status)), t.AgentID, t.Branch,
			strconv.Itoa(t.Attempts), truncate(t.Error, 60),
		}
	}
	fmt.Fprint(w, s.Table([]string{"TASK", "STATUS", "AGENT", "BRANCH", "ATTEMPTS", "ERROR"}, rows))
}

func renderQueue(w io.Writer, s ux.Styles, q *approval.QueueSnapshot) {
	fmt.Fprintln(w, s.Title.Render("Approval queue"))
	counts := make([]string, 0, len(approval.AllStatuses))
	for _, st := range approval.AllStatuses {
		counts = append(counts, fmt.Sprintf("%s=%d", st, q.Counts[st]))
	}
	fmt.Fprintln(w, s.Muted.Render(strings.Join(counts, "  ")))

	agents := make([]string, 0, len(q.PendingByAgent))
	for a := range q.PendingByAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, a := range agents {
		fmt.Fprintf(w, "%s\n", s.Label.Render(a))
		for _, req := range q.PendingByAgent[a] {
			fmt.Fprintf(w, "  %s  %s  %s  %s\n", req.ID, req.RiskLevel, age(req.CreatedAt), truncate(req.Operation, 60))
		}
	}
	if len(q.Decisions) > 0 {
		fmt.Fprintln(w, s.Label.Render("recent decisions"))
		_ = decisionTable(q.Decisions).Render(w, s)
	}
}
