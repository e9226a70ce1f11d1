package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/ledger"
)

var (
	ledgerDaily   float64
	ledgerMonthly float64
	ledgerAnchor  int
	ledgerReason  string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Manage tenant credit ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <tenant>",
	Short: "Show a tenant's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "ledger.show")
		defer span.End()

		store, err := openLedgerStore()
		if err != nil {
			return err
		}
		defer store.Close()

		balance, err := store.Balance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("reading balance: %w", err)
		}
		renderBalance(cmd.OutOrStdout(), args[0], balance)
		return nil
	},
}

var ledgerProvisionCmd = &cobra.Command{
	Use:   "provision <tenant>",
	Short: "Create or update a tenant's ledger allowances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "ledger.provision")
		defer span.End()

		store, err := openLedgerStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Provision(ctx, args[0], ledgerDaily, ledgerMonthly, ledgerAnchor); err != nil {
			return fmt.Errorf("provisioning %s: %w", args[0], err)
		}
		balance, err := store.Balance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("reading balance: %w", err)
		}
		renderBalance(cmd.OutOrStdout(), args[0], balance)
		return nil
	},
}

var ledgerTopUpCmd = &cobra.Command{
	Use:   "topup <tenant> <amount>",
	Short: "Add purchased credits to a tenant's ledger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "ledger.topup")
		defer span.End()

		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("amount must be a number: %w", err)
		}

		store, err := openLedgerStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.TopUp(ctx, args[0], amount, ledgerReason); err != nil {
			return fmt.Errorf("topping up %s: %w", args[0], err)
		}
		balance, err := store.Balance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("reading balance: %w", err)
		}
		renderBalance(cmd.OutOrStdout(), args[0], balance)
		return nil
	},
}

func openLedgerStore() (*ledger.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return store, nil
}

// renderBalance writes a tenant's pool balances (testable).
func renderBalance(w io.Writer, tenantID string, b ledger.Balance) {
	fmt.Fprintf(w, "Tenant: %s\n", tenantID)
	fmt.Fprintf(w, "  Daily:     %10.2f\n", b.Daily)
	fmt.Fprintf(w, "  Monthly:   %10.2f\n", b.Monthly)
	fmt.Fprintf(w, "  Purchased: %10.2f\n", b.Purchased)
	fmt.Fprintf(w, "  Total:     %10.2f\n", b.Total())
}

func init() {
	ledgerProvisionCmd.Flags().Float64Var(&ledgerDaily, "daily", 0, "daily credit allowance")
	ledgerProvisionCmd.Flags().Float64Var(&ledgerMonthly, "monthly", 0, "monthly credit allowance")
	ledgerProvisionCmd.Flags().IntVar(&ledgerAnchor, "anchor-day", 1, "billing cycle anchor day (1-28)")
	ledgerTopUpCmd.Flags().StringVar(&ledgerReason, "reason", "", "reason recorded on the transaction")
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerProvisionCmd, ledgerTopUpCmd)
	rootCmd.AddCommand(ledgerCmd)
}
