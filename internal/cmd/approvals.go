package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/config"
)

var (
	approvalsTenant   string
	approvalsReviewer string
	approvalsReason   string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve pending approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.list")
		defer span.End()

		store, err := openApprovalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		pending, err := store.ListPending(ctx, approvalsTenant)
		if err != nil {
			return fmt.Errorf("listing approvals: %w", err)
		}
		renderApprovals(cmd.OutOrStdout(), pending)
		return nil
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request (the action executes on the running server)",
	Long: `Approve marks a pending request approved. The tool call itself runs on
the server that owns the tool registry, via the approvals API; this command
is the offline fallback that records the decision without executing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.approve")
		defer span.End()

		store, err := openApprovalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		req, transitioned, err := store.Approve(ctx, args[0], approvalsReviewer, nil)
		if err != nil {
			return fmt.Errorf("approving %s: %w", args[0], err)
		}
		if !transitioned {
			fmt.Fprintf(cmd.OutOrStdout(), "Already approved: %s (%s) for tenant %s\n", req.ID, req.ToolName, req.TenantID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s) for tenant %s\n", req.ID, req.ToolName, req.TenantID)
		return nil
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.reject")
		defer span.End()

		store, err := openApprovalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		req, err := store.Reject(ctx, args[0], approvalsReviewer, approvalsReason)
		if err != nil {
			return fmt.Errorf("rejecting %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s (%s) for tenant %s\n", req.ID, req.ToolName, req.TenantID)
		return nil
	},
}

func openApprovalStore() (*approval.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := approval.NewStore(cfg.ApprovalsDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening approval store: %w", err)
	}
	return store, nil
}

// renderApprovals writes the pending queue as a table (testable).
func renderApprovals(w io.Writer, pending []*approval.Request) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending approvals.")
		return
	}
	fmt.Fprintf(w, "%-26s %-16s %-20s %-20s %s\n", "ID", "Tenant", "Tool", "Expires", "Reason")
	for _, req := range pending {
		fmt.Fprintf(w, "%-26s %-16s %-20s %-20s %s\n",
			req.ID, req.TenantID, req.ToolName,
			req.ExpiresAt.Format(time.RFC3339), req.Reason)
	}
	fmt.Fprintf(w, "%d pending\n", len(pending))
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsTenant, "tenant", "", "filter by tenant ID")
	approvalsApproveCmd.Flags().StringVar(&approvalsReviewer, "by", "operator", "reviewer identity recorded on the decision")
	approvalsRejectCmd.Flags().StringVar(&approvalsReviewer, "by", "operator", "reviewer identity recorded on the decision")
	approvalsRejectCmd.Flags().StringVar(&approvalsReason, "reason", "", "reason recorded on the rejection")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}
