package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/internal/store/memory"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	settler *Settler
	wallets *wallet.Service
	ledger  *ledger.Service
}

func newFixture() *fixture {
	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	return &fixture{
		store:   store,
		settler: NewSettler(store, nil, logger.Nop()),
		wallets: wallet.NewService(store, logger.Nop()).WithClock(clock),
		ledger:  ledger.NewService(store, logger.Nop()).WithClock(clock),
	}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// rest stores an order the way the order book does: escrow or reserve first
func (f *fixture) rest(t *testing.T, owner string, side contracts.Side, qty int64, price string) *contracts.Order {
	t.Helper()
	o := &contracts.Order{
		ID:         uuid.New(),
		OwnerID:    owner,
		TargetID:   "creator",
		Side:       side,
		Quantity:   qty,
		LimitPrice: dec(price),
		Status:     contracts.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
		UpdatedAt:  now,
	}
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx contracts.Tx) error {
		if side == contracts.SideBuy {
			if err := wallet.Escrow(ctx, tx, owner, o.EscrowFor(qty), o.ID.String(), now); err != nil {
				return err
			}
		} else if err := tx.ReserveHolding(ctx, owner, "creator", qty); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, o)
	}))
	return o
}

func (f *fixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.Balance(context.Background(), user)
	require.NoError(t, err)
	return w.Balance
}

func TestSettleNext_PartialFillAtMakerPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.ledger.Grant(ctx, "seller", "creator", 10)
	require.NoError(t, err)
	_, err = f.wallets.Deposit(ctx, "buyer", dec("100"))
	require.NoError(t, err)

	ask := f.rest(t, "seller", contracts.SideSell, 10, "5")
	bid := f.rest(t, "buyer", contracts.SideBuy, 4, "7")

	out, err := f.settler.SettleNext(ctx, bid, now, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Trade)
	assert.False(t, out.Done)

	assert.Equal(t, int64(4), out.Trade.Quantity)
	assert.True(t, out.Trade.Price.Equal(dec("5")), "trade executes at the resting price")
	assert.Equal(t, bid.ID, out.Trade.BuyOrderID)
	assert.Equal(t, ask.ID, out.Trade.SellOrderID)

	assert.Equal(t, contracts.StatusFilled, out.Aggressor.Status)
	assert.Equal(t, contracts.StatusPartial, out.Resting.Status)
	assert.Equal(t, int64(4), out.Resting.FilledQuantity)

	// 100 - 28 escrow + 8 price improvement
	assert.True(t, f.balance(t, "buyer").Equal(dec("80")))
	assert.True(t, f.balance(t, "seller").Equal(dec("20")))

	sellerH, err := f.ledger.Holding(ctx, "seller", "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(6), sellerH.Quantity)
	assert.Equal(t, int64(6), sellerH.Reserved)

	pos, err := f.ledger.Position(ctx, "buyer", "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	events, err := f.store.ListEvents(ctx, contracts.EventPending, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, out.Trade.ID, events[0].Event.TradeID)

	trades, err := f.store.ListTrades(ctx, "creator", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSettleNext_SellAggressorTakesBidPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.ledger.Grant(ctx, "seller", "creator", 3)
	require.NoError(t, err)
	_, err = f.wallets.Deposit(ctx, "buyer", dec("30"))
	require.NoError(t, err)

	f.rest(t, "buyer", contracts.SideBuy, 3, "10")
	ask := f.rest(t, "seller", contracts.SideSell, 3, "8")

	out, err := f.settler.SettleNext(ctx, ask, now, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Trade)
	assert.True(t, out.Trade.Price.Equal(dec("10")))

	// the bid rested at its own limit, so nothing comes back
	assert.True(t, f.balance(t, "buyer").IsZero())
	assert.True(t, f.balance(t, "seller").Equal(dec("30")))
}

func TestSettleNext_Priority(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.ledger.Grant(ctx, "s1", "creator", 5)
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, "s2", "creator", 5)
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, "s3", "creator", 5)
	require.NoError(t, err)
	_, err = f.wallets.Deposit(ctx, "buyer", dec("1000"))
	require.NoError(t, err)

	f.rest(t, "s1", contracts.SideSell, 5, "6")
	first := f.rest(t, "s2", contracts.SideSell, 5, "5")
	second := f.rest(t, "s3", contracts.SideSell, 5, "5")
	bid := f.rest(t, "buyer", contracts.SideBuy, 15, "7")

	var sequence []uuid.UUID
	for {
		out, err := f.settler.SettleNext(ctx, bid, now, nil)
		require.NoError(t, err)
		if out.Done {
			break
		}
		sequence = append(sequence, out.Trade.SellOrderID)
	}
	require.Len(t, sequence, 3)
	assert.Equal(t, first.ID, sequence[0], "best price, earliest first")
	assert.Equal(t, second.ID, sequence[1])
}

func TestSettleNext_Done(t *testing.T) {
	ctx := context.Background()

	t.Run("no crossing order", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.Grant(ctx, "seller", "creator", 1)
		require.NoError(t, err)
		_, err = f.wallets.Deposit(ctx, "buyer", dec("7"))
		require.NoError(t, err)

		f.rest(t, "seller", contracts.SideSell, 1, "8")
		bid := f.rest(t, "buyer", contracts.SideBuy, 1, "7")

		out, err := f.settler.SettleNext(ctx, bid, now, nil)
		require.NoError(t, err)
		assert.True(t, out.Done)
		assert.Nil(t, out.Trade)
	})

	t.Run("resting order expired", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.Grant(ctx, "seller", "creator", 1)
		require.NoError(t, err)
		_, err = f.wallets.Deposit(ctx, "buyer", dec("10"))
		require.NoError(t, err)

		f.rest(t, "seller", contracts.SideSell, 1, "5")
		bid := f.rest(t, "buyer", contracts.SideBuy, 1, "5")

		out, err := f.settler.SettleNext(ctx, bid, now.Add(2*time.Hour), nil)
		require.NoError(t, err)
		assert.True(t, out.Done)
	})

	t.Run("excluded candidate", func(t *testing.T) {
		f := newFixture()
		_, err := f.ledger.Grant(ctx, "seller", "creator", 1)
		require.NoError(t, err)
		_, err = f.wallets.Deposit(ctx, "buyer", dec("10"))
		require.NoError(t, err)

		ask := f.rest(t, "seller", contracts.SideSell, 1, "5")
		bid := f.rest(t, "buyer", contracts.SideBuy, 1, "5")

		out, err := f.settler.SettleNext(ctx, bid, now, []uuid.UUID{ask.ID})
		require.NoError(t, err)
		assert.True(t, out.Done)
	})
}

func TestSettleNext_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.ledger.Grant(ctx, "seller", "creator", 5)
	require.NoError(t, err)
	_, err = f.wallets.Deposit(ctx, "buyer", dec("50"))
	require.NoError(t, err)

	// a sell order whose reservation was never taken cannot settle
	broken := &contracts.Order{
		ID: uuid.New(), OwnerID: "seller", TargetID: "creator", Side: contracts.SideSell,
		Quantity: 5, LimitPrice: dec("5"), Status: contracts.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}
	require.NoError(t, f.store.InTx(ctx, func(tx contracts.Tx) error {
		return tx.InsertOrder(ctx, broken)
	}))
	bid := f.rest(t, "buyer", contracts.SideBuy, 5, "5")

	out, err := f.settler.SettleNext(ctx, bid, now, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrConcurrencyConflict)
	require.NotNil(t, out.Resting)
	assert.Equal(t, broken.ID, out.Resting.ID)
	assert.Nil(t, out.Trade)

	trades, err := f.store.ListTrades(ctx, "creator", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	pos, err := f.ledger.Position(ctx, "buyer", "creator")
	require.NoError(t, err)
	assert.Zero(t, pos)

	stored, err := f.store.GetOrder(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, stored.Status)
}
