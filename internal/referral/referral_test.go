package referral

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/store/memory"
	"github.com/hipo/sharemarket/pkg/logger"
)

var now = time.Date(2026, 7, 4, 8, 0, 0, 0, time.UTC)

func newService(rate string) (*Service, *memory.Store) {
	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	return NewService(store, decimal.RequireFromString(rate), logger.Nop()).WithClock(clock), store
}

func trade(buyer string, qty int64, price string) contracts.TradeSettled {
	return contracts.TradeSettled{
		TradeID:    uuid.New(),
		BuyerID:    buyer,
		SellerID:   "seller",
		TargetID:   "creator",
		Quantity:   qty,
		Price:      decimal.RequireFromString(price),
		ExecutedAt: now.Add(-time.Minute),
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService("0.05")

	tests := []struct {
		name     string
		referrer string
		referred string
		wantErr  error
	}{
		{"ok", "alice", "bob", nil},
		{"second referrer", "carol", "bob", contracts.ErrInvalidInput},
		{"self", "dave", "dave", contracts.ErrInvalidInput},
		{"missing", "", "erin", contracts.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := svc.Register(ctx, tt.referrer, tt.referred)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, contracts.ReferralPending, r.Status)
		})
	}

	rs, err := svc.ListByReferrer(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestPayCommission(t *testing.T) {
	ctx := context.Background()
	svc, store := newService("0.05")

	_, err := svc.Register(ctx, "alice", "bob")
	require.NoError(t, err)

	first := trade("bob", 10, "12.5")
	c, err := svc.PayCommission(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Amount.Equal(decimal.RequireFromString("6.25")))
	assert.Equal(t, "alice", c.ReferrerID)

	r, err := svc.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReferralActive, r.Status)
	require.NotNil(t, r.FirstPurchaseAt)
	assert.Equal(t, first.ExecutedAt, *r.FirstPurchaseAt)

	// the same trade never pays twice
	c, err = svc.PayCommission(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, c)

	second := trade("bob", 2, "5")
	_, err = svc.PayCommission(ctx, second)
	require.NoError(t, err)

	r, err = svc.Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, r.TotalCommission.Equal(decimal.RequireFromString("6.75")))
	assert.Equal(t, first.ExecutedAt, *r.FirstPurchaseAt, "first purchase is stamped once")

	w, err := store.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("6.75")))

	seller, err := store.GetWallet(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, seller.Balance.IsZero(), "commission is not taken from the seller")

	cs, err := svc.Commissions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, cs, 2)
}

func TestPayCommission_NoReferrer(t *testing.T) {
	svc, _ := newService("0.05")
	c, err := svc.PayCommission(context.Background(), trade("stranger", 1, "100"))
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPayCommission_ZeroRate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService("0")
	_, err := svc.Register(ctx, "alice", "bob")
	require.NoError(t, err)

	c, err := svc.PayCommission(ctx, trade("bob", 1, "100"))
	require.NoError(t, err)
	assert.Nil(t, c)
}
