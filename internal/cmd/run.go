package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/checkpoint"
	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/executor"
	"github.com/felixgeelhaar/flotilla/internal/overlap"
	"github.com/felixgeelhaar/flotilla/internal/prd"
	"github.com/felixgeelhaar/flotilla/internal/progress"
	"github.com/felixgeelhaar/flotilla/internal/resolve"
	"github.com/felixgeelhaar/flotilla/internal/schedule"
	"github.com/felixgeelhaar/flotilla/internal/telemetry"
	"github.com/felixgeelhaar/flotilla/internal/ux"
	"github.com/felixgeelhaar/flotilla/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run <prd-file>",
	Short: "Execute a PRD with a fleet of agents",
	Long: `Execute every task of a PRD document. Each task runs as an agent in its own
git worktree; finished work is merged into the PRD's integration branch and
checkpoint reviews are opened as merges accumulate. Spawns the approval
policy does not waive wait for a human ('flotilla approvals review').

The command exits 0 when every task merged, 3 when some tasks failed or were
cancelled, and 4 when the remaining tasks can never become ready.

Examples:
  flotilla run prd.yaml
  flotilla run prd.yaml --max-concurrency 8 --out result.json
  flotilla run prd.yaml --no-approval --metrics-addr :9464`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("max-concurrency", 0, "maximum agents running at once (overrides executor.max_concurrency)")
	runCmd.Flags().Int("checkpoint-interval", -1, "merged tasks per checkpoint review (overrides executor.checkpoint_interval)")
	runCmd.Flags().Bool("no-approval", false, "spawn agents without consulting the approval gate")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().String("out", "", "write the final PRD state to this JSON file")
	runCmd.Flags().Bool("follow", false, "stream agent output to stderr, prefixed by task id")
	runCmd.Flags().Bool("no-progress", false, "do not draw the progress line")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	doc, err := prd.Load(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	tcfg := cc.Config.Telemetry
	tcfg.ServiceVersion = version.GetInfo().Version
	shutdown, err := telemetry.InitProvider(ctx, tcfg)
	if err != nil {
		return ux.FormatError(err, "initializing tracing")
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			cc.Logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	svc := newServices(cc)
	defer svc.Close()

	opts := executor.Options{
		MaxConcurrency:     cc.Config.Executor.MaxConcurrency,
		CheckpointInterval: cc.Config.Executor.CheckpointInterval,
		PollInterval:       cc.Config.Executor.PollInterval,
		ApprovalTimeout:    cc.Config.Approval.Timeout,
	}
	if n, _ := cmd.Flags().GetInt("max-concurrency"); n > 0 {
		opts.MaxConcurrency = n
	}
	if n, _ := cmd.Flags().GetInt("checkpoint-interval"); n >= 0 {
		opts.CheckpointInterval = n
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		if _, _, err := svc.serveMetrics(bgCtx, addr); err != nil {
			return ux.FormatError(err, "starting metrics server")
		}
	}

	hookRegistry, err := svc.Hooks()
	if err != nil {
		return err
	}
	mgr, err := svc.Integration()
	if err != nil {
		return ux.FormatError(err, "opening integration ledger")
	}

	runner := svc.Runner()
	follow, _ := cmd.Flags().GetBool("follow")
	if follow {
		runner.Echo = cmd.ErrOrStderr()
	}

	deps := executor.Deps{
		Runner:      runner,
		Scheduler:   schedule.New(overlap.NewKeywordPredictor(), schedule.WithLogger(cc.Logger), schedule.WithMetrics(svc.metrics)),
		Resolver:    resolve.New(mgr, resolve.WithLogger(cc.Logger), resolve.WithMetrics(svc.metrics)),
		Integration: mgr,
		Hooks:       hookRegistry,
		RunState:    checkpoint.NewManager(cc.Config.Executor.RunDir),
		Logger:      cc.Logger,
		Metrics:     svc.metrics,
	}
	if noApproval, _ := cmd.Flags().GetBool("no-approval"); !noApproval {
		gate, err := svc.Gate()
		if err != nil {
			return ux.FormatError(err, "opening approval store")
		}
		deps.Gate = gate

		sweeper, err := svc.Sweeper()
		if err != nil {
			return err
		}
		go func() { _ = sweeper.Run(bgCtx) }()
	}

	exec, err := executor.New(deps, opts)
	if err != nil {
		return err
	}

	stopProgress := func() {}
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	if !noProgress && !follow && cc.Format == "text" && isTerminal(os.Stderr) {
		ind := progress.NewIndicator(func() progress.Snapshot { return snapshotOf(exec.Status()) },
			progress.Config{Writer: cmd.ErrOrStderr()})
		ind.Start(bgCtx)
		stopProgress = ind.Stop
	}

	result, runErr := exec.Run(ctx, doc)
	stopProgress()
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		if err := doc.Save(out); err != nil {
			cc.Logger.WithError(err).Warn("failed to save PRD state", "path", out)
		}
	}
	if result != nil {
		if err := cc.PrintWith(result, runReport{result: result, doc: doc}); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if result.Outcome == executor.OutcomePartial {
		return errors.Newf(errors.ErrCodeExecPartial, "PRD %s finished with %d failed and %d cancelled task(s)",
			doc.ID, len(result.FailedTaskIDs), len(result.CancelledTaskIDs)).
			WithSuggestion(fmt.Sprintf("Inspect the run with 'flotilla status %s'", doc.ID))
	}
	return nil
}

func snapshotOf(st executor.StatusSnapshot) progress.Snapshot {
	snap := progress.Snapshot{
		Completed: st.Counts[domain.StatusCompleted],
		Failed:    st.Counts[domain.StatusFailed],
		Cancelled: st.Counts[domain.StatusCancelled],
		Pending:   st.Counts[domain.StatusPending],
		Running:   st.Running,
	}
	for _, n := range st.Counts {
		snap.Total += n
	}
	return snap
}

type runReport struct {
	result *executor.Result
	doc    *prd.Document
}

func (r runReport) Render(w io.Writer, s ux.Styles) error {
	res := r.result
	fmt.Fprintf(w, "%s %s  %s  %s\n",
		s.Title.Render("PRD"), res.PRDID, s.Status(string(res.Outcome)), res.Duration.Round(time.Second))

	rows := make([][]string, 0, len(r.doc.Tasks))
	for _, t := range r.doc.Tasks {
		rows = append(rows, []string{string(t.ID), s.Status(string(t.Status)), t.Branch, res.Reasons[t.ID]})
	}
	fmt.Fprint(w, s.Table([]string{"TASK", "STATUS", "BRANCH", "REASON"}, rows))

	if len(res.Checkpoints) > 0 {
		fmt.Fprintln(w, s.Title.Render("Checkpoints"))
		for _, cp := range res.Checkpoints {
			ids := make([]string, len(cp.TasksIncluded))
			for i, id := range cp.TasksIncluded {
				ids[i] = string(id)
			}
			sort.Strings(ids)
			fmt.Fprintf(w, "  %s  %s\n", cp.URL, s.Muted.Render(strings.Join(ids, ", ")))
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "%s %s\n", s.Err.Render("error:"), res.Error)
	}
	return nil
}
