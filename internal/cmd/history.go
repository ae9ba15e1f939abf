package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/integration"
	"github.com/felixgeelhaar/flotilla/internal/ux"
)

var historyCmd = &cobra.Command{
	Use:   "history <prd-id>",
	Short: "Show the merges and checkpoints recorded for a PRD",
	Long: `Print the merge ledger of a PRD: every agent branch merged into the
integration line and every checkpoint review opened from it.

--verify recomputes the hash chain and fails if any entry was altered.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Bool("verify", false, "verify the ledger hash chain")
	rootCmd.AddCommand(historyCmd)
}

type historyReport struct {
	PRDID       string                     `json:"prd_id"`
	Branch      string                     `json:"branch"`
	Merges      []integration.MergeRecord  `json:"merges"`
	Checkpoints []integration.CheckpointPR `json:"checkpoints"`
	Verified    *bool                      `json:"verified,omitempty"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	svc := newServices(cc)
	defer svc.Close()
	mgr, err := svc.Integration()
	if err != nil {
		return err
	}

	prdID := args[0]
	report := historyReport{PRDID: prdID, Branch: mgr.BranchName(prdID)}
	if verify, _ := cmd.Flags().GetBool("verify"); verify {
		if err := mgr.Ledger().Verify(prdID); err != nil {
			return err
		}
		ok := true
		report.Verified = &ok
	}
	if report.Merges, err = mgr.History(prdID); err != nil {
		return err
	}
	if report.Checkpoints, err = mgr.Checkpoints(prdID); err != nil {
		return err
	}
	if report.Merges == nil {
		report.Merges = []integration.MergeRecord{}
	}
	if report.Checkpoints == nil {
		report.Checkpoints = []integration.CheckpointPR{}
	}
	return cc.PrintWith(report, report)
}

func (r historyReport) Render(w io.Writer, s ux.Styles) error {
	fmt.Fprintf(w, "%s %s (%s)\n", s.Title.Render("History"), r.PRDID, r.Branch)
	if r.Verified != nil {
		fmt.Fprintln(w, s.OK.Render("ledger verified"))
	}

	if len(r.Merges) == 0 {
		fmt.Fprintln(w, "No merges recorded.")
	} else {
		rows := make([][]string, len(r.Merges))
		for i, m := range r.Merges {
			rows[i] = []string{
				m.MergedAt.Format("2006-01-02 15:04:05"), string(m.TaskID), m.AgentID, m.Branch, shortSHA(m.CommitSHA),
			}
		}
		fmt.Fprint(w, s.Table([]string{"MERGED", "TASK", "AGENT", "BRANCH", "COMMIT"}, rows))
	}

	if len(r.Checkpoints) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.Label.Render("Checkpoints"))
		rows := make([][]string, len(r.Checkpoints))
		for i, cp := range r.Checkpoints {
			rows[i] = []string{
				cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.ID,
				fmt.Sprint(domain.TaskIDs(cp.TasksIncluded)), cp.URL,
			}
		}
		fmt.Fprint(w, s.Table([]string{"CREATED", "ID", "TASKS", "URL"}, rows))
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
