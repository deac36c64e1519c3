package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vireohq/chatcore/internal/config"
	"github.com/vireohq/chatcore/internal/ledger"
)

var balanceHistoryLimit int

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Manage user power balances",
	Long: `Inspect and adjust the prepaid balances turns are charged against.

Examples:
  chatcore balance show alice
  chatcore balance grant alice 100
  chatcore balance history alice
  chatcore balance refund <turn-id> 1.5`,
}

var balanceShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's remaining power",
	Args:  cobra.ExactArgs(1),
	RunE:  balanceShow,
}

var balanceGrantCmd = &cobra.Command{
	Use:   "grant <user> <power>",
	Short: "Credit power to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  balanceGrant,
}

var balanceHistoryCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "Show a user's recent usage records",
	Args:  cobra.ExactArgs(1),
	RunE:  balanceHistory,
}

var balanceRefundCmd = &cobra.Command{
	Use:   "refund <turn-id> <power>",
	Short: "Refund part of a settled turn",
	Long: `Credit power back for a settled turn. The refund is recorded as a
compensating entry referencing the original charge and can never exceed
the amount originally deducted.`,
	Args: cobra.ExactArgs(2),
	RunE: balanceRefund,
}

func init() {
	balanceHistoryCmd.Flags().IntVar(&balanceHistoryLimit, "limit", 20, "Max records")

	rootCmd.AddCommand(balanceCmd)
	balanceCmd.AddCommand(balanceShowCmd)
	balanceCmd.AddCommand(balanceGrantCmd)
	balanceCmd.AddCommand(balanceHistoryCmd)
	balanceCmd.AddCommand(balanceRefundCmd)
}

func openLedgerStore() (*ledger.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return ledger.OpenStore(cfg.Billing.DatabasePath)
}

func balanceShow(cmd *cobra.Command, args []string) error {
	store, err := openLedgerStore()
	if err != nil {
		return err
	}
	defer store.Close()

	power, err := store.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %.6f power\n", args[0], power)
	return nil
}

func balanceGrant(cmd *cobra.Command, args []string) error {
	power, err := strconv.ParseFloat(args[1], 64)
	if err != nil || power <= 0 {
		return fmt.Errorf("invalid power amount %q", args[1])
	}

	store, err := openLedgerStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Grant(cmd.Context(), args[0], power); err != nil {
		return err
	}
	balance, err := store.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Granted %.6f power to %s (balance: %.6f)\n", power, args[0], balance)
	return nil
}

func balanceHistory(cmd *cobra.Command, args []string) error {
	store, err := openLedgerStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.History(cmd.Context(), args[0], balanceHistoryLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No usage records.")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-12s  %s/%s  in=%d out=%d  power=%.6f  %s\n",
			rec.CreatedAt.Format(time.RFC3339), rec.Kind,
			rec.Provider, rec.Model,
			rec.InputTokens, rec.OutputTokens, rec.Power, rec.TurnID)
	}
	return nil
}

func balanceRefund(cmd *cobra.Command, args []string) error {
	power, err := strconv.ParseFloat(args[1], 64)
	if err != nil || power <= 0 {
		return fmt.Errorf("invalid power amount %q", args[1])
	}

	store, err := openLedgerStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ldgr := ledger.NewLedger(store, ledger.NewPricingTable(ledger.ModelPricing{}))

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return err
	}
	record, err := ldgr.Compensate(ctx, tx, args[0], power)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Refunded %.6f power to %s (record %s)\n", power, record.UserID, record.TurnID)
	return nil
}
