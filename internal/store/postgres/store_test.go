package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/pkg/config"
	"github.com/hipo/sharemarket/pkg/database"
	"github.com/hipo/sharemarket/pkg/logger"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, contracts.ErrConcurrencyConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, contracts.ErrConcurrencyConflict},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, contracts.ErrConcurrencyConflict},
		{"unique", &pgconn.PgError{Code: "23505"}, contracts.ErrInvalidInput},
		{"wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40P01"}), contracts.ErrConcurrencyConflict},
		{"kind passes through", fmt.Errorf("x: %w", contracts.ErrInsufficientFunds), contracts.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}
	assert.NoError(t, mapError(nil))

	other := errors.New("other")
	assert.Equal(t, other, mapError(other))
}

func TestMigrations(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, "0001_market", migrations[0].Version)
	assert.Equal(t, "0002_social", migrations[1].Version)
	assert.Equal(t, "0003_outbox_delivered", migrations[2].Version)
	assert.Contains(t, migrations[2].SQL, "delivered")
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS orders")
	assert.Contains(t, migrations[1].SQL, "monthly_quotas")
}

// testStore connects to DATABASE_URL and applies the schema. Each test uses
// fresh user and target ids so runs do not collide.
func testStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	migrations, err := Migrations()
	require.NoError(t, err)
	_, err = db.Migrate(context.Background(), migrations)
	require.NoError(t, err)

	return New(db.Pool)
}

func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestWalletCounters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := uniq("user")

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.CreditWallet(ctx, user, decimal.RequireFromString("100.5"))
		return err
	}))

	err := s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.DebitWallet(ctx, user, decimal.NewFromInt(101))
		return err
	})
	assert.ErrorIs(t, err, contracts.ErrInsufficientFunds)

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		after, err := tx.DebitWallet(ctx, user, decimal.RequireFromString("0.5"))
		if err != nil {
			return err
		}
		assert.True(t, after.Equal(decimal.NewFromInt(100)))
		return nil
	}))

	w, err := s.GetWallet(ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(100)))
}

func TestInTx_Rollback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := uniq("user")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx contracts.Tx) error {
		if _, err := tx.CreditWallet(ctx, user, decimal.NewFromInt(10)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestLedgerAndReservations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	alice, bob, target := uniq("alice"), uniq("bob"), uniq("creator")
	now := time.Now().UTC()

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.AppendLedger(ctx, &contracts.LedgerEntry{
			ToUserID: alice, TargetID: target, Quantity: 10, Kind: contracts.LedgerGrant, At: now,
		})
	}))
	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.ReserveHolding(ctx, alice, target, 7)
	}))

	err := s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.AppendLedger(ctx, &contracts.LedgerEntry{
			FromUserID: alice, ToUserID: bob, TargetID: target, Quantity: 4, Kind: contracts.LedgerTransfer, At: now,
		})
	})
	assert.ErrorIs(t, err, contracts.ErrInsufficientHoldings)

	err = s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.ReleaseHolding(ctx, alice, target, 8)
	})
	assert.ErrorIs(t, err, contracts.ErrConcurrencyConflict)

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.AppendLedger(ctx, &contracts.LedgerEntry{
			FromUserID: alice, ToUserID: bob, TargetID: target, Quantity: 3, Kind: contracts.LedgerTransfer, At: now,
		})
	}))

	h, err := s.GetHolding(ctx, alice, target)
	require.NoError(t, err)
	assert.Equal(t, contracts.Holding{UserID: alice, TargetID: target, Quantity: 7, Reserved: 7}, h)

	sum, err := s.SumLedger(ctx, alice, target)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sum)

	sum, err = s.SumLedger(ctx, bob, target)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum)

	entries, err := s.ListLedger(ctx, alice, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.LedgerTransfer, entries[0].Kind)
	assert.Empty(t, entries[1].FromUserID)
}

func insertOrder(t *testing.T, s *Store, o *contracts.Order) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.InsertOrder(ctx, o)
	}))
}

func TestNextResting_PriceTimePriority(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	target := uniq("creator")
	now := time.Now().UTC().Truncate(time.Microsecond)

	ask := func(price string, created time.Time) *contracts.Order {
		o := &contracts.Order{
			ID: uuid.New(), OwnerID: uniq("seller"), TargetID: target, Side: contracts.SideSell,
			Quantity: 5, LimitPrice: decimal.RequireFromString(price), Status: contracts.StatusPending,
			CreatedAt: created, ExpiresAt: now.Add(time.Hour), UpdatedAt: created,
		}
		insertOrder(t, s, o)
		return o
	}
	late := ask("10", now.Add(-time.Minute))
	early := ask("10", now.Add(-2*time.Minute))
	ask("12", now.Add(-3*time.Minute))

	expired := &contracts.Order{
		ID: uuid.New(), OwnerID: uniq("seller"), TargetID: target, Side: contracts.SideSell,
		Quantity: 5, LimitPrice: decimal.NewFromInt(1), Status: contracts.StatusPending,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Second), UpdatedAt: now,
	}
	insertOrder(t, s, expired)

	buy := &contracts.Order{
		ID: uuid.New(), OwnerID: uniq("buyer"), TargetID: target, Side: contracts.SideBuy,
		Quantity: 5, LimitPrice: decimal.NewFromInt(11), Status: contracts.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}

	var picked []uuid.UUID
	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		if err := tx.LockTarget(ctx, target); err != nil {
			return err
		}
		var exclude []uuid.UUID
		for {
			o, err := tx.NextResting(ctx, buy, now, exclude)
			if err != nil {
				return err
			}
			if o == nil {
				return nil
			}
			picked = append(picked, o.ID)
			exclude = append(exclude, o.ID)
		}
	}))
	assert.Equal(t, []uuid.UUID{early.ID, late.ID}, picked)

	ids, err := s.ListExpiredOrderIDs(ctx, now, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, expired.ID)
}

func TestOutbox_ClaimIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	target := uniq("creator")

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		for i := 0; i < 4; i++ {
			if err := tx.EnqueueEvent(ctx, contracts.TradeSettled{
				TradeID: uuid.New(), BuyerID: "b", SellerID: "s", TargetID: target,
				Quantity: 1, Price: decimal.NewFromInt(1),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	now := time.Now().Add(time.Second)
	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := s.ClaimEvents(ctx, now, time.Minute, 1000)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range events {
				if e.Event.TargetID == target {
					claimed[e.ID]++
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 4)
	for eventID, n := range claimed {
		assert.Equal(t, 1, n, "event %d claimed more than once", eventID)
		require.NoError(t, s.CompleteEvent(ctx, eventID))
	}
}

func TestIncrementQuota_StopsAtLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user, target := uniq("user"), uniq("creator")
	month := contracts.MonthKey(time.Now())

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
			used, err := tx.IncrementQuota(ctx, user, target, contracts.QuotaComment, month, 2)
			assert.Equal(t, i, used)
			return err
		}))
	}

	err := s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.IncrementQuota(ctx, user, target, contracts.QuotaComment, month, 2)
		return err
	})
	assert.ErrorIs(t, err, contracts.ErrForbidden)

	used, err := s.GetQuotaUsage(ctx, user, target, contracts.QuotaComment, month)
	require.NoError(t, err)
	assert.Equal(t, 2, used)
}

func TestReconcile_ConcurrentGrants(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user, target := uniq("user"), uniq("creator")
	svc := ledger.NewService(s, logger.Nop())

	_, err := svc.Grant(ctx, user, target, 10)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, err := svc.Grant(ctx, user, target, 1)
			assert.NoError(t, err)
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		d, err := svc.Reconcile(ctx, user, target)
		require.NoError(t, err)
		assert.Nil(t, d)
	}

	pos, err := svc.Position(ctx, user, target)
	require.NoError(t, err)
	assert.Equal(t, int64(60), pos)
}
