package commands

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/orderbook"
)

const timeFormat = "2006-01-02 15:04:05"

var (
	ordersCmd = &cobra.Command{
		Use:   "orders <user>",
		Short: "List a user's orders",
		Args:  cobra.ExactArgs(1),
		RunE:  runOrders,
	}

	bookCmd = &cobra.Command{
		Use:   "book <target>",
		Short: "Show the open book of a target by price level",
		Args:  cobra.ExactArgs(1),
		RunE:  runBook,
	}

	tradesCmd = &cobra.Command{
		Use:   "trades <target>",
		Short: "Show the newest trades of a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrades,
	}

	positionCmd = &cobra.Command{
		Use:   "position <user> [target]",
		Short: "Show holdings, or one position with its tier",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPosition,
	}

	ordersStatus string
	tradesLimit  int
)

func init() {
	rootCmd.AddCommand(ordersCmd, bookCmd, tradesCmd, positionCmd)

	ordersCmd.Flags().StringVar(&ordersStatus, "status", "", "filter by status (PENDING|PARTIAL|FILLED|CANCELLED|EXPIRED)")
	tradesCmd.Flags().IntVar(&tradesLimit, "limit", orderbook.DefaultTradesLimit, "number of trades")
}

func runOrders(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	orders, err := a.book.ListOrders(ctx, args[0], contracts.OrderStatus(ordersStatus))
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, []string{
			o.ID.String(), o.TargetID, string(o.Side), o.LimitPrice.String(),
			strconv.FormatInt(o.Quantity, 10), strconv.FormatInt(o.FilledQuantity, 10),
			string(o.Status), o.ExpiresAt.Format(timeFormat),
		})
	}
	PrintTable(fmt.Sprintf("%d orders of %s", len(orders), args[0]),
		[]string{"ID", "target", "side", "price", "qty", "filled", "status", "expires"}, rows)
	return nil
}

func runBook(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.book.Snapshot(ctx, args[0])
	if err != nil {
		return err
	}

	levels := func(side string, ls []contracts.PriceLevel) [][]string {
		rows := make([][]string, 0, len(ls))
		for _, l := range ls {
			rows = append(rows, []string{side, l.Price.String(), strconv.FormatInt(l.Quantity, 10), strconv.Itoa(l.Orders)})
		}
		return rows
	}

	// asks printed best last so the spread sits in the middle
	rows := levels("ASK", snap.Asks)
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	rows = append(rows, levels("BID", snap.Bids)...)

	PrintTable("book of "+args[0], []string{"side", "price", "qty", "orders"}, rows)
	return nil
}

func runTrades(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	trades, err := a.book.ListTrades(ctx, args[0], tradesLimit)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			t.ExecutedAt.Format(timeFormat), t.BuyerID, t.SellerID,
			strconv.FormatInt(t.Quantity, 10), t.Price.String(),
			t.Price.Mul(decimal.NewFromInt(t.Quantity)).String(),
		})
	}
	PrintTable("trades of "+args[0], []string{"time", "buyer", "seller", "qty", "price", "total"}, rows)
	return nil
}

func runPosition(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	user := args[0]
	if len(args) == 2 {
		st, err := a.shareholders.Status(ctx, user, args[1])
		if err != nil {
			return err
		}
		PrintHeader(fmt.Sprintf("%s in %s", user, args[1]))
		PrintKeyValue("Position", strconv.FormatInt(st.Position, 10), 10)
		PrintKeyValue("Available", strconv.FormatInt(st.Available, 10), 10)
		PrintKeyValue("Tier", string(st.Tier), 10)
		return nil
	}

	holdings, err := a.ledger.Holdings(ctx, user)
	if err != nil {
		return err
	}
	w, err := a.wallets.Balance(ctx, user)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(holdings))
	for _, h := range holdings {
		rows = append(rows, []string{h.TargetID, strconv.FormatInt(h.Quantity, 10),
			strconv.FormatInt(h.Reserved, 10), strconv.FormatInt(h.Available(), 10)})
	}
	PrintTable(fmt.Sprintf("%s, balance %s", user, w.Balance), []string{"target", "quantity", "reserved", "available"}, rows)
	return nil
}
