package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-ai/steward/internal/ledger"
)

var (
	usageDays  int
	usageLimit int
)

var usageCmd = &cobra.Command{
	Use:   "usage <tenant>",
	Short: "Show a tenant's credit usage and recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "usage")
		defer span.End()

		store, err := openLedgerStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tenantID := args[0]
		balance, err := store.Balance(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("reading balance: %w", err)
		}

		now := time.Now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spentToday, err := store.SpentSince(ctx, tenantID, dayStart)
		if err != nil {
			return fmt.Errorf("reading spend: %w", err)
		}

		from := now.AddDate(0, 0, -usageDays)
		txns, err := store.Transactions(ctx, tenantID, from, now.Add(time.Second), usageLimit)
		if err != nil {
			return fmt.Errorf("reading transactions: %w", err)
		}

		out := cmd.OutOrStdout()
		renderBalance(out, tenantID, balance)
		fmt.Fprintf(out, "  Spent today: %8.2f\n\n", spentToday)
		renderTransactions(out, txns)
		return nil
	},
}

// renderTransactions writes the ledger history as a table, newest first.
func renderTransactions(w io.Writer, txns []ledger.Transaction) {
	if len(txns) == 0 {
		fmt.Fprintln(w, "No transactions in window.")
		return
	}
	fmt.Fprintf(w, "%-20s %-14s %10s  %s\n", "When", "Type", "Amount", "Reason")
	for _, txn := range txns {
		fmt.Fprintf(w, "%-20s %-14s %10.2f  %s\n",
			txn.CreatedAt.Format("2006-01-02 15:04:05"), txn.Type, txn.Amount, txn.Reason)
	}
}

func init() {
	usageCmd.Flags().IntVar(&usageDays, "days", 30, "transaction window in days")
	usageCmd.Flags().IntVar(&usageLimit, "limit", 50, "maximum transactions to show")
	rootCmd.AddCommand(usageCmd)
}
