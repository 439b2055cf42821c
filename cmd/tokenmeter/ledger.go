package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/tokenmeter/app"
	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and adjust user ledgers",
	Long: `Inspect and adjust user ledgers.

Credits and tier changes take a billing event id. Re-running a command
with the same event id is a no-op, so payment webhooks can be replayed
safely.

Examples:
  tokenmeter ledger show user_123
  tokenmeter ledger credit user_123 50000 evt_1PqR
  tokenmeter ledger tier user_123 premium_daily evt_1PqS`,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's balances and recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerCreditCmd = &cobra.Command{
	Use:   "credit <user-id> <amount> <event-id>",
	Short: "Add purchased units to a user's balance",
	Args:  cobra.ExactArgs(3),
	RunE:  runLedgerCredit,
}

var ledgerTierCmd = &cobra.Command{
	Use:   "tier <user-id> <free|premium_daily|purchased> <event-id>",
	Short: "Change a user's tier",
	Args:  cobra.ExactArgs(3),
	RunE:  runLedgerTier,
}

var ledgerShowLimit int

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerCreditCmd)
	ledgerCmd.AddCommand(ledgerTierCmd)

	ledgerShowCmd.Flags().IntVar(&ledgerShowLimit, "limit", 20, "number of transactions to list")
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	userID := args[0]

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	ctx := context.Background()
	l, err := a.Engine.Ledger(ctx, userID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	txns, err := a.Engine.Transactions(ctx, userID, ledgerShowLimit)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	fmt.Printf("User:       %s\n", l.UserID)
	fmt.Printf("Tier:       %s\n", l.Tier)
	fmt.Printf("Daily:      %d\n", l.DailyRemaining)
	fmt.Printf("Purchased:  %d\n", l.PurchasedBalance)
	fmt.Printf("Version:    %d\n", l.Version)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tFREE REMAINING\tTOTAL USED")
	fmt.Fprintln(w, "--------\t--------------\t----------")
	for _, p := range provider.All() {
		fmt.Fprintf(w, "%s\t%d\t%d\n", p, l.FreeRemaining[p], l.TotalUsed[p])
	}
	w.Flush()

	if len(txns) == 0 {
		fmt.Println()
		fmt.Println("No transactions.")
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPROVIDER\tSOURCE\tAMOUNT\tCREATED")
	fmt.Fprintln(w, "--\t----\t--------\t------\t------\t-------")
	for _, t := range txns {
		p, src := "-", "-"
		if t.Provider.Valid() {
			p = t.Provider.String()
		}
		if t.Source != ledger.SourceNone {
			src = t.Source.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Kind, p, src, t.Amount, t.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runLedgerCredit(cmd *cobra.Command, args []string) error {
	userID, eventID := args[0], args[2]
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	res, err := a.Billing.CreditPurchase(context.Background(), eventID, userID, amount)
	if err != nil {
		return err
	}
	printBillingResult("Credited", fmt.Sprintf("%d units", amount), res)
	return nil
}

func runLedgerTier(cmd *cobra.Command, args []string) error {
	userID, eventID := args[0], args[2]
	tier, err := ledger.ParseTier(args[1])
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	res, err := a.Billing.SetTier(context.Background(), eventID, userID, tier)
	if err != nil {
		return err
	}
	printBillingResult("Tier set to", tier.String(), res)
	return nil
}

func printBillingResult(verb, what string, res app.BillingResult) {
	if !res.Applied {
		fmt.Printf("%s Event already processed, nothing changed\n", checkMark)
	} else {
		fmt.Printf("%s %s %s\n", checkMark, verb, what)
	}
	l := res.Ledger
	fmt.Printf("   User:      %s\n", l.UserID)
	fmt.Printf("   Tier:      %s\n", l.Tier)
	fmt.Printf("   Purchased: %d\n", l.PurchasedBalance)
	fmt.Printf("   Daily:     %d\n", l.DailyRemaining)

	free := make([]string, 0, len(l.FreeRemaining))
	for p, n := range l.FreeRemaining {
		free = append(free, fmt.Sprintf("%s=%d", p, n))
	}
	sort.Strings(free)
	fmt.Printf("   Free:      %v\n", free)
}
