package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/flotilla/internal/ux"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage PRD integration branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <prd-id>",
	Short: "Create the integration branch and merge worktree of a PRD",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchCreate,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <prd-id>",
	Short: "Delete the integration branch of a PRD",
	Long: `Delete the integration branch of a PRD and its merge worktree. The branch
must already be merged into trunk unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchDelete,
}

func init() {
	branchDeleteCmd.Flags().Bool("force", false, "delete even if the branch is not merged into trunk")
	branchCmd.AddCommand(branchCreateCmd, branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	mgr, err := newServices(cc).Integration()
	if err != nil {
		return err
	}
	branch, err := mgr.CreateIntegrationBranch(cmd.Context(), args[0])
	if err != nil {
		return ux.FormatError(err, "creating integration branch")
	}
	return cc.PrintWith(map[string]string{"prd_id": args[0], "branch": branch},
		ux.Line(fmt.Sprintf("integration branch %s ready (from %s)", branch, mgr.Trunk())))
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	mgr, err := newServices(cc).Integration()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if err := mgr.DeleteIntegrationBranch(cmd.Context(), args[0], force); err != nil {
		return ux.FormatError(err, "deleting integration branch")
	}
	return cc.PrintWith(map[string]string{"prd_id": args[0], "deleted": mgr.BranchName(args[0])},
		ux.Line("deleted "+mgr.BranchName(args[0])))
}
