package commands

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hipo/sharemarket/internal/contracts"
)

var (
	depositCmd = &cobra.Command{
		Use:   "deposit <user> <amount>",
		Short: "Top up a wallet",
		Args:  cobra.ExactArgs(2),
		RunE:  runDeposit,
	}

	grantCmd = &cobra.Command{
		Use:   "grant <user> <target> <quantity>",
		Short: "Issue new shares of a target",
		Args:  cobra.ExactArgs(3),
		RunE:  runGrant,
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every holding counter with its ledger sum",
		RunE:  runReconcile,
	}

	outboxCmd = &cobra.Command{
		Use:   "outbox",
		Short: "List cascade outbox events",
		Long: `Lists trade events in the cascade outbox. DEAD events exhausted their
retries and need an operator.

Example:
  go run ./cmd/sharemarket outbox --status DEAD`,
		RunE: runOutbox,
	}

	outboxStatus string
	outboxLimit  int
	outboxDrain  bool
)

func init() {
	rootCmd.AddCommand(depositCmd, grantCmd, reconcileCmd, outboxCmd)

	outboxCmd.Flags().StringVar(&outboxStatus, "status", string(contracts.EventDead), "event status, empty for all")
	outboxCmd.Flags().IntVar(&outboxLimit, "limit", 50, "number of events")
	outboxCmd.Flags().BoolVar(&outboxDrain, "drain", false, "deliver due events once before listing")
}

func runDeposit(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.wallets.Deposit(ctx, args[0], amount)
	if err != nil {
		return err
	}
	PrintSuccess(fmt.Sprintf("%s balance is now %s", w.UserID, w.Balance))
	return nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	qty, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", args[2], err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.ledger.Grant(ctx, args[0], args[1], qty)
	if err != nil {
		return err
	}
	PrintSuccess(fmt.Sprintf("Granted %d %s to %s (entry %s)", entry.Quantity, entry.TargetID, entry.ToUserID, entry.ID))
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	drifts, err := a.ledger.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if len(drifts) == 0 {
		PrintSuccess("Every holding matches its ledger")
		return nil
	}

	rows := make([][]string, 0, len(drifts))
	for _, d := range drifts {
		rows = append(rows, []string{d.UserID, d.TargetID,
			strconv.FormatInt(d.Counter, 10), strconv.FormatInt(d.LedgerSum, 10)})
	}
	PrintTable("drifted holdings", []string{"user", "target", "counter", "ledger"}, rows)
	return fmt.Errorf("%d holdings drifted from the ledger", len(drifts))
}

func runOutbox(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if outboxDrain {
		n, err := a.dispatcher(nil).DispatchPending(ctx)
		if err != nil {
			return err
		}
		PrintInfo(fmt.Sprintf("Delivered a batch of %d events", n))
	}

	events, err := a.store.ListEvents(ctx, contracts.EventStatus(outboxStatus), outboxLimit)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10), e.Event.TradeID.String(), e.Event.TargetID,
			string(e.Status), strconv.Itoa(e.Attempts), e.LastError,
		})
	}
	PrintTable(fmt.Sprintf("%d events", len(events)), []string{"id", "trade", "target", "status", "attempts", "last error"}, rows)
	return nil
}
