// Package referral links referred users to their referrer and pays the
// referrer a share of every purchase the referred user makes.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
)

// commissionPlaces is the precision commissions are rounded to
const commissionPlaces = 8

// Service registers referrals and pays commissions
type Service struct {
	store  contracts.Store
	rate   decimal.Decimal
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a referral service paying rate × notional per purchase
func NewService(store contracts.Store, rate decimal.Decimal, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		rate:   rate,
		logger: log.WithComponent("referral"),
		now:    time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Rate returns the commission rate
func (s *Service) Rate() decimal.Decimal {
	return s.rate
}

// Register records that referrerID brought referredID. A user has at most
// one referrer.
func (s *Service) Register(ctx context.Context, referrerID, referredID string) (*contracts.Referral, error) {
	switch {
	case referrerID == "" || referredID == "":
		return nil, fmt.Errorf("%w: referrer and referred user are required", contracts.ErrInvalidInput)
	case referrerID == referredID:
		return nil, fmt.Errorf("%w: users cannot refer themselves", contracts.ErrInvalidInput)
	}

	r := &contracts.Referral{
		ID:              uuid.New(),
		ReferrerID:      referrerID,
		ReferredUserID:  referredID,
		Status:          contracts.ReferralPending,
		TotalCommission: decimal.Zero,
		CreatedAt:       s.now(),
	}
	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		return tx.InsertReferral(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register referral: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"referrer_id": referrerID,
		"referred_id": referredID,
	}).Info("Referral registered")
	return r, nil
}

// Get returns the referral of referredID
func (s *Service) Get(ctx context.Context, referredID string) (*contracts.Referral, error) {
	r, err := s.store.GetReferralByReferred(ctx, referredID)
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return r, nil
}

// ListByReferrer returns everyone referrerID brought in
func (s *Service) ListByReferrer(ctx context.Context, referrerID string) ([]contracts.Referral, error) {
	rs, err := s.store.ListReferralsByReferrer(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	return rs, nil
}

// Commissions returns every commission paid to referrerID
func (s *Service) Commissions(ctx context.Context, referrerID string) ([]contracts.ReferralCommission, error) {
	cs, err := s.store.ListReferralCommissions(ctx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	return cs, nil
}

// PayCommission credits the buyer's referrer rate × notional of the trade
// from platform float. It pays at most once per trade and returns nil when
// nothing was paid. The first commission activates the referral.
func (s *Service) PayCommission(ctx context.Context, event contracts.TradeSettled) (*contracts.ReferralCommission, error) {
	if !s.rate.IsPositive() {
		return nil, nil
	}
	if _, err := s.store.GetReferralByReferred(ctx, event.BuyerID); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}

	amount := event.Notional().Mul(s.rate).Round(commissionPlaces)
	if !amount.IsPositive() {
		return nil, nil
	}

	now := s.now()
	var paid *contracts.ReferralCommission

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		r, err := tx.LockReferralByReferred(ctx, event.BuyerID)
		if err != nil {
			return err
		}

		c := &contracts.ReferralCommission{
			TradeID:    event.TradeID,
			ReferralID: r.ID,
			ReferrerID: r.ReferrerID,
			Amount:     amount,
			Rate:       s.rate,
			CreatedAt:  now,
		}
		inserted, err := tx.InsertReferralCommission(ctx, c)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		if err := wallet.CreditReferral(ctx, tx, r.ReferrerID, amount, event.TradeID.String(), now); err != nil {
			return err
		}

		r.TotalCommission = r.TotalCommission.Add(amount)
		if r.Status == contracts.ReferralPending {
			r.Status = contracts.ReferralActive
			at := event.ExecutedAt
			r.FirstPurchaseAt = &at
		}
		if err := tx.UpdateReferral(ctx, r); err != nil {
			return err
		}
		paid = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pay commission: %w", err)
	}

	if paid != nil {
		s.logger.WithTrade(event.TradeID, event.TargetID).WithFields(map[string]interface{}{
			"referrer_id": paid.ReferrerID,
			"buyer_id":    event.BuyerID,
			"amount":      paid.Amount.String(),
		}).Info("Referral commission paid")
	}
	return paid, nil
}
