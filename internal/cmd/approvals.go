package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/approval"
	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/ux"
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval"},
	Short:   "Work with the approval queue",
	Long: `The approval queue is shared by every agent and reviewer using the same
store. Agents block in 'approvals request' (or inside 'flotilla run') until a
reviewer decides with 'approve', 'reject' or the interactive 'review'.`,
}

var approvalsRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request approval for an operation and wait for the decision",
	Long: `Submit an approval request and block until it is decided, waived by the
policy, or times out. Exits 0 when the operation may proceed and 5 when it was
rejected or timed out.

Examples:
  flotilla approvals request --agent builder-1 --phase EXECUTE --risk high \
    --operation "drop the users table" --context task_id=task-7`,
	RunE: runApprovalsRequest,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	RunE:  runApprovalsList,
}

var approvalsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one approval request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsShow,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(cmd, args[0], true) },
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(cmd, args[0], false) },
}

var approvalsReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pending requests interactively",
	RunE:  runApprovalsReview,
}

var approvalsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending requests whose requester stopped heartbeating",
	RunE:  runApprovalsExpire,
}

var approvalsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired and consumed requests older than the retention window",
	RunE:  runApprovalsCleanup,
}

var approvalsLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the decision log",
	RunE:  runApprovalsLog,
}

func init() {
	approvalsRequestCmd.Flags().String("agent", "", "requesting agent id")
	approvalsRequestCmd.Flags().String("phase", string(domain.PhaseExecute), "phase: PLAN, EXECUTE, REVIEW, VERIFY or LEARN")
	approvalsRequestCmd.Flags().String("operation", "", "operation needing approval")
	approvalsRequestCmd.Flags().String("risk", string(domain.RiskMedium), "risk: low, medium, high or critical")
	approvalsRequestCmd.Flags().StringToString("context", nil, "extra key=value context for the reviewer")
	approvalsRequestCmd.Flags().Duration("timeout", 0, "how long to wait (default approval.timeout)")
	_ = approvalsRequestCmd.MarkFlagRequired("agent")
	_ = approvalsRequestCmd.MarkFlagRequired("operation")

	approvalsListCmd.Flags().String("status", string(approval.StatusPending), "filter by status; 'all' lists everything")

	approvalsApproveCmd.Flags().String("reason", "", "reason recorded with the decision")
	approvalsRejectCmd.Flags().String("reason", "", "reason recorded with the decision")
	_ = approvalsRejectCmd.MarkFlagRequired("reason")

	approvalsExpireCmd.Flags().Duration("timeout", 0, "heartbeat age that expires a request (default approval.heartbeat_timeout)")
	approvalsCleanupCmd.Flags().Int("days", -1, "retention in days (default approval.retention_days)")
	approvalsCleanupCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	approvalsLogCmd.Flags().Int("limit", 20, "number of decisions to show")

	approvalsCmd.AddCommand(
		approvalsRequestCmd,
		approvalsListCmd,
		approvalsShowCmd,
		approvalsApproveCmd,
		approvalsRejectCmd,
		approvalsReviewCmd,
		approvalsExpireCmd,
		approvalsCleanupCmd,
		approvalsLogCmd,
	)
	rootCmd.AddCommand(approvalsCmd)
}

// withStore builds the command context and opens the approval store
func withStore(cmd *cobra.Command, fn func(cc *CommandContext, svc *services, store *approval.Store) error) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	svc := newServices(cc)
	defer svc.Close()
	store, err := svc.Store()
	if err != nil {
		return ux.FormatError(err, "opening approval store")
	}
	return fn(cc, svc, store)
}

func runApprovalsRequest(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(cc *CommandContext, svc *services, _ *approval.Store) error {
		phaseFlag, _ := cmd.Flags().GetString("phase")
		phase, err := domain.ParsePhase(phaseFlag)
		if err != nil {
			return errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid --phase", err)
		}
		riskFlag, _ := cmd.Flags().GetString("risk")
		risk, err := domain.ParseRiskLevel(riskFlag)
		if err != nil {
			return errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid --risk", err)
		}
		agentID, _ := cmd.Flags().GetString("agent")
		operation, _ := cmd.Flags().GetString("operation")
		extra, _ := cmd.Flags().GetStringToString("context")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = cc.Config.Approval.Timeout
		}

		gate, err := svc.Gate()
		if err != nil {
			return err
		}
		outcome, err := gate.RequestApproval(cmd.Context(), approval.Input{
			AgentID:   agentID,
			Phase:     phase,
			Operation: operation,
			Risk:      risk,
			Context:   extra,
			Timeout:   timeout,
		})
		if err != nil {
			return err
		}
		if err := cc.PrintWith(map[string]string{"outcome": string(outcome)}, ux.Line(cc.Styles().Status(string(outcome)))); err != nil {
			return err
		}

		switch outcome {
		case approval.OutcomeRejected:
			return errors.Newf(errors.ErrCodeApprovalRejected, "%s was rejected", operation)
		case approval.OutcomeTimeout:
			return errors.Newf(errors.ErrCodeApprovalTimeout, "no decision on %s within %s", operation, timeout)
		}
		return nil
	})
}

func runApprovalsList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		var status approval.Status
		if statusFlag != "all" {
			st, err := approval.ParseStatus(statusFlag)
			if err != nil {
				return errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid --status", err)
			}
			status = st
		}
		requests, err := store.List(cmd.Context(), status)
		if err != nil {
			return err
		}
		if requests == nil {
			requests = []approval.Request{}
		}
		return cc.PrintWith(requests, requestTable(requests))
	})
}

func runApprovalsShow(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		req, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return cc.PrintWith(req, requestDetail(*req))
	})
}

func decide(cmd *cobra.Command, id string, approved bool) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" && approved {
			reason = "approved via CLI"
		}
		applied, err := store.Decide(cmd.Context(), id, approved, reason)
		if err != nil {
			return err
		}
		if !applied {
			current, err := store.Check(cmd.Context(), id)
			if err != nil {
				return err
			}
			return errors.Newf(errors.ErrCodeApprovalConsumed, "request %s is already %s", id, current).
				WithSuggestion("Only pending requests can be decided")
		}
		verb := "rejected"
		if approved {
			verb = "approved"
		}
		cc.Logger.Info("approval decided", "request_id", id, "decision", verb, "reason", reason)
		return cc.PrintWith(map[string]string{"id": id, "decision": verb},
			ux.Line(fmt.Sprintf("%s %s", cc.Styles().Status(verb), id)))
	})
}

func runApprovalsReview(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		decided, err := approval.RunReview(cmd.Context(), store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cc.Out, "%d request(s) decided\n", decided)
		return nil
	})
}

func runApprovalsExpire(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = cc.Config.Approval.HeartbeatTimeout
		}
		n, err := store.ExpireStale(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		return cc.PrintWith(map[string]int64{"expired": n},
			ux.Line(fmt.Sprintf("expired %d request(s) without a heartbeat for %s", n, timeout)))
	})
}

func runApprovalsCleanup(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		days, _ := cmd.Flags().GetInt("days")
		if days < 0 {
			days = cc.Config.Approval.RetentionDays
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes && isTerminal(cc.In) {
			if !ux.Confirm(cc.In, cc.Out, fmt.Sprintf("Delete finished requests older than %d day(s)?", days), false) {
				return nil
			}
		}
		n, err := store.Cleanup(cmd.Context(), days)
		if err != nil {
			return err
		}
		return cc.PrintWith(map[string]int64{"deleted": n},
			ux.Line(fmt.Sprintf("deleted %d request(s) older than %d day(s)", n, days)))
	})
}

func runApprovalsLog(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(cc *CommandContext, _ *services, store *approval.Store) error {
		limit, _ := cmd.Flags().GetInt("limit")
		decisions, err := store.Decisions(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if decisions == nil {
			decisions = []approval.Decision{}
		}
		return cc.PrintWith(decisions, decisionTable(decisions))
	})
}

// isTerminal reports whether r is an interactive terminal
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

type requestTable []approval.Request

func (t requestTable) Render(w io.Writer, s ux.Styles) error {
	if len(t) == 0 {
		fmt.Fprintln(w, "No approval requests.")
		return nil
	}
	rows := make([][]string, len(t))
	for i, r := range t {
		rows[i] = []string{
			r.ID, r.AgentID, string(r.Phase), string(r.RiskLevel), s.Status(string(r.Status)),
			age(r.CreatedAt), truncate(r.Operation, 60),
		}
	}
	fmt.Fprint(w, s.Table([]string{"ID", "AGENT", "PHASE", "RISK", "STATUS", "AGE", "OPERATION"}, rows))
	return nil
}

type requestDetail approval.Request

func (r requestDetail) Render(w io.Writer, s ux.Styles) error {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", s.Label.Render(fmt.Sprintf("%-10s", name)), value)
		}
	}
	field("id", r.ID)
	field("status", s.Status(string(r.Status)))
	field("agent", r.AgentID)
	field("phase", string(r.Phase))
	field("risk", string(r.RiskLevel))
	field("operation", r.Operation)
	field("created", r.CreatedAt.Format(time.RFC3339))
	field("heartbeat", r.LastHeartbeat.Format(time.RFC3339))
	if r.DecidedAt != nil {
		field("decided", r.DecidedAt.Format(time.RFC3339))
	}
	field("reason", r.DecisionReason)

	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, r.Context[k])
	}
	return nil
}

type decisionTable []approval.Decision

func (t decisionTable) Render(w io.Writer, s ux.Styles) error {
	if len(t) == 0 {
		fmt.Fprintln(w, "No decisions logged.")
		return nil
	}
	rows := make([][]string, len(t))
	for i, d := range t {
		rows[i] = []string{
			d.CreatedAt.Format("2006-01-02 15:04:05"), s.Status(string(d.Status)), d.AgentID,
			string(d.Phase), string(d.RiskLevel), truncate(d.Operation, 40), truncate(d.Rationale, 60),
		}
	}
	fmt.Fprint(w, s.Table([]string{"TIME", "DECISION", "AGENT", "PHASE", "RISK", "OPERATION", "RATIONALE"}, rows))
	return nil
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
