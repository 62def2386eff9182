package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/internal/orderbook"
	"github.com/hipo/sharemarket/internal/settlement"
	"github.com/hipo/sharemarket/internal/store/memory"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
)

func TestExpirySweepJob_DrainsInBatches(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := logger.Nop()

	store := memory.New(memory.WithClock(clock))
	wallets := wallet.NewService(store, log).WithClock(clock)
	book := orderbook.NewBook(store, settlement.NewSettler(store, nil, log),
		orderbook.Config{OrderTTL: time.Hour}, nil, log).WithClock(clock)

	_, err := wallets.Deposit(ctx, "alice", decimal.NewFromInt(30))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := book.PlaceOrder(ctx, orderbook.PlaceOrderRequest{
			OwnerID: "alice", TargetID: "creator", Side: contracts.SideBuy,
			Quantity: 2, LimitPrice: decimal.NewFromInt(5),
		})
		require.NoError(t, err)
	}

	w, err := wallets.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	now = now.Add(2 * time.Hour)
	job := NewExpirySweepJob(book, "0 * * * * *", 2, log)
	require.NoError(t, job.Run(ctx))

	orders, err := book.ListOrders(ctx, "alice", contracts.StatusExpired)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	w, err = wallets.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(30)))

	// nothing left to do
	require.NoError(t, job.Run(ctx))
}

type sweeperFunc func(ctx context.Context, batch int) (int, error)

func (f sweeperFunc) ExpireDue(ctx context.Context, batch int) (int, error) { return f(ctx, batch) }

func TestExpirySweepJob_ReportsFailure(t *testing.T) {
	job := NewExpirySweepJob(sweeperFunc(func(context.Context, int) (int, error) {
		return 1, errors.New("row locked")
	}), "@every 1m", 10, logger.Nop())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 orders")
	assert.Equal(t, "expiry_sweep", job.Name())
	assert.Equal(t, "@every 1m", job.Schedule())
}

type rescanner struct {
	changed int
	err     error
	calls   int
}

func (r *rescanner) RescanAll(context.Context) (int, error) {
	r.calls++
	return r.changed, r.err
}

func TestLeadershipRescanJob(t *testing.T) {
	ok := &rescanner{changed: 2}
	job := NewLeadershipRescanJob(ok, "0 */10 * * * *", logger.Nop())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, "leadership_rescan", job.Name())

	failing := &rescanner{err: errors.New("db down")}
	err := NewLeadershipRescanJob(failing, "0 */10 * * * *", logger.Nop()).Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

type reconciler []ledger.Drift

func (r reconciler) ReconcileAll(context.Context) ([]ledger.Drift, error) { return r, nil }

func TestReconcileJob(t *testing.T) {
	ctx := context.Background()
	log := logger.Nop()

	store := memory.New()
	ledgers := ledger.NewService(store, log)
	_, err := ledgers.Grant(ctx, "alice", "creator", 10)
	require.NoError(t, err)
	assert.NoError(t, NewReconcileJob(ledgers, "0 30 3 * * *", log).Run(ctx))

	drifted := reconciler{{UserID: "alice", TargetID: "creator", Counter: 10, LedgerSum: 9}}
	err = NewReconcileJob(drifted, "0 30 3 * * *", log).Run(ctx)
	assert.ErrorContains(t, err, "1 holdings drifted")
}
