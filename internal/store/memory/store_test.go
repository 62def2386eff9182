package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/internal/contracts"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func TestInTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.CreditWallet(ctx, "alice", decimal.NewFromInt(100))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero(), "credit must be rolled back")
}

func TestInTx_Commit(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock))

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.CreditWallet(ctx, "alice", decimal.NewFromInt(100))
		return err
	}))

	w, err := s.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, t0, w.UpdatedAt)
}

func TestDebitWallet(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.CreditWallet(ctx, "bob", decimal.NewFromInt(500))
		return err
	}))

	err := s.InTx(ctx, func(tx contracts.Tx) error {
		_, err := tx.DebitWallet(ctx, "bob", decimal.NewFromInt(501))
		return err
	})
	assert.ErrorIs(t, err, contracts.ErrInsufficientFunds)

	err = s.InTx(ctx, func(tx contracts.Tx) error {
		after, err := tx.DebitWallet(ctx, "bob", decimal.NewFromInt(500))
		assert.True(t, after.IsZero())
		return err
	})
	require.NoError(t, err)
}

func TestHoldingGuards(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTx(ctx, func(tx contracts.Tx) error {
		require.NoError(t, tx.AppendLedger(ctx, &contracts.LedgerEntry{
			ToUserID: "carol", TargetID: "creator", Quantity: 10, Kind: contracts.LedgerGrant, At: t0,
		}))
		require.NoError(t, tx.ReserveHolding(ctx, "carol", "creator", 7))

		// only 3 are available now
		assert.ErrorIs(t, tx.ReserveHolding(ctx, "carol", "creator", 4), contracts.ErrInsufficientHoldings)
		assert.ErrorIs(t, tx.AppendLedger(ctx, &contracts.LedgerEntry{
			FromUserID: "carol", ToUserID: "dave", TargetID: "creator", Quantity: 4, Kind: contracts.LedgerTransfer, At: t0,
		}), contracts.ErrInsufficientHoldings)
		assert.ErrorIs(t, tx.ReleaseHolding(ctx, "carol", "creator", 8), contracts.ErrConcurrencyConflict)

		require.NoError(t, tx.ReleaseHolding(ctx, "carol", "creator", 7))
		return tx.AppendLedger(ctx, &contracts.LedgerEntry{
			FromUserID: "carol", ToUserID: "dave", TargetID: "creator", Quantity: 4, Kind: contracts.LedgerTransfer, At: t0,
		})
	})
	require.NoError(t, err)

	carol, _ := s.GetHolding(ctx, "carol", "creator")
	dave, _ := s.GetHolding(ctx, "dave", "creator")
	assert.Equal(t, int64(6), carol.Quantity)
	assert.Equal(t, int64(0), carol.Reserved)
	assert.Equal(t, int64(4), dave.Quantity)

	sum, _ := s.SumLedger(ctx, "carol", "creator")
	assert.Equal(t, carol.Quantity, sum)
}

func TestNextResting_PriceTimePriority(t *testing.T) {
	ctx := context.Background()
	s := New()

	mk := func(price int64, created time.Time) *contracts.Order {
		return &contracts.Order{
			ID: uuid.New(), OwnerID: "seller", TargetID: "creator", Side: contracts.SideSell,
			Quantity: 5, LimitPrice: decimal.NewFromInt(price), Status: contracts.StatusPending,
			CreatedAt: created, ExpiresAt: created.Add(24 * time.Hour),
		}
	}
	late95 := mk(95, t0)
	early90 := mk(90, t0.Add(time.Minute))
	late90 := mk(90, t0.Add(2*time.Minute))
	expired80 := mk(80, t0.Add(-48*time.Hour))

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		for _, o := range []*contracts.Order{late95, late90, early90, expired80} {
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	buy := &contracts.Order{
		ID: uuid.New(), TargetID: "creator", Side: contracts.SideBuy, LimitPrice: decimal.NewFromInt(100),
	}
	now := t0.Add(time.Hour)

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		got, err := tx.NextResting(ctx, buy, now, nil)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, early90.ID, got.ID)

		got, err = tx.NextResting(ctx, buy, now, []uuid.UUID{early90.ID})
		require.NoError(t, err)
		assert.Equal(t, late90.ID, got.ID)

		buy.LimitPrice = decimal.NewFromInt(85)
		got, err = tx.NextResting(ctx, buy, now, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
		return nil
	}))
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock))

	require.NoError(t, s.InTx(ctx, func(tx contracts.Tx) error {
		return tx.EnqueueEvent(ctx, contracts.TradeSettled{TradeID: uuid.New(), TargetID: "creator"})
	}))

	claimed, err := s.ClaimEvents(ctx, t0, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	// leased, so not claimable again until the lease runs out
	again, err := s.ClaimEvents(ctx, t0.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.RetryEvent(ctx, claimed[0].ID, t0.Add(10*time.Second), "transient", []string{"badge_sync"}))
	again, err = s.ClaimEvents(ctx, t0.Add(10*time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
	assert.Equal(t, []string{"badge_sync"}, again[0].Delivered)

	require.NoError(t, s.CompleteEvent(ctx, claimed[0].ID))
	done, err := s.ListEvents(ctx, contracts.EventDone, 0)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestIncrementQuota(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTx(ctx, func(tx contracts.Tx) error {
		n, err := tx.IncrementQuota(ctx, "u", "c", contracts.QuotaDM, "2026-03", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = tx.IncrementQuota(ctx, "u", "c", contracts.QuotaDM, "2026-03", 1)
		assert.ErrorIs(t, err, contracts.ErrForbidden)

		// new month, fresh counter
		_, err = tx.IncrementQuota(ctx, "u", "c", contracts.QuotaDM, "2026-04", 1)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err = tx.IncrementQuota(ctx, "u", "c", contracts.QuotaComment, "2026-03", -1)
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)

	used, _ := s.GetQuotaUsage(ctx, "u", "c", contracts.QuotaComment, "2026-03")
	assert.Equal(t, 5, used)
}
