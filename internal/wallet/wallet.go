// Package wallet owns coin balances: escrow debits for BUY orders, refunds on
// cancel/expiry, settlement credits for sellers and referral bonuses.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

// DefaultHistoryLimit caps History when the caller passes 0
const DefaultHistoryLimit = 50

// Service exposes wallet reads and the deposit primitive
// ⭐ SSOT: balances change only through this package's helpers
type Service struct {
	store  contracts.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a wallet service
func NewService(store contracts.Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("wallet"),
		now:    time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Balance returns the current wallet, zero when the user never held coins
func (s *Service) Balance(ctx context.Context, userID string) (contracts.Wallet, error) {
	if userID == "" {
		return contracts.Wallet{}, fmt.Errorf("%w: user id is required", contracts.ErrInvalidInput)
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return contracts.Wallet{}, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// Deposit tops up a wallet. It stands in for the coin-purchase collaborator.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (contracts.Wallet, error) {
	if userID == "" {
		return contracts.Wallet{}, fmt.Errorf("%w: user id is required", contracts.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return contracts.Wallet{}, fmt.Errorf("%w: deposit must be positive", contracts.ErrInvalidInput)
	}

	now := s.now()
	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		return credit(ctx, tx, userID, amount, contracts.WalletDeposit, "", "deposit", now)
	})
	if err != nil {
		return contracts.Wallet{}, fmt.Errorf("failed to deposit: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"amount":  amount.String(),
	}).Info("Wallet deposit")

	return s.Balance(ctx, userID)
}

// History returns the newest wallet transactions first
func (s *Service) History(ctx context.Context, userID string, limit int) ([]contracts.WalletTransaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	txs, err := s.store.ListWalletTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	return txs, nil
}

// Escrow debits amount for a BUY order inside tx.
// Fails with ErrInsufficientFunds and leaves the balance untouched.
func Escrow(ctx context.Context, tx contracts.Tx, userID string, amount decimal.Decimal, orderID string, at time.Time) error {
	after, err := tx.DebitWallet(ctx, userID, amount)
	if err != nil {
		return err
	}
	return tx.InsertWalletTransaction(ctx, &contracts.WalletTransaction{
		UserID:       userID,
		Kind:         contracts.WalletEscrowDebit,
		Amount:       amount.Neg(),
		BalanceAfter: after,
		RelatedID:    orderID,
		Description:  "buy order escrow",
		CreatedAt:    at,
	})
}

// Refund returns escrowed coins to a buyer. A zero amount is a no-op.
func Refund(ctx context.Context, tx contracts.Tx, userID string, amount decimal.Decimal, relatedID, reason string, at time.Time) error {
	if amount.IsZero() {
		return nil
	}
	return credit(ctx, tx, userID, amount, contracts.WalletEscrowRefund, relatedID, reason, at)
}

// CreditSale pays a seller for a settled trade
func CreditSale(ctx context.Context, tx contracts.Tx, userID string, amount decimal.Decimal, tradeID string, at time.Time) error {
	return credit(ctx, tx, userID, amount, contracts.WalletTradeCredit, tradeID, "share sale", at)
}

// CreditReferral pays a referral commission from platform float
func CreditReferral(ctx context.Context, tx contracts.Tx, userID string, amount decimal.Decimal, tradeID string, at time.Time) error {
	if amount.IsZero() {
		return nil
	}
	return credit(ctx, tx, userID, amount, contracts.WalletReferralBonus, tradeID, "referral commission", at)
}

func credit(ctx context.Context, tx contracts.Tx, userID string, amount decimal.Decimal, kind contracts.WalletTxKind, relatedID, desc string, at time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative %s credit", contracts.ErrInvalidInput, kind)
	}
	after, err := tx.CreditWallet(ctx, userID, amount)
	if err != nil {
		return err
	}
	return tx.InsertWalletTransaction(ctx, &contracts.WalletTransaction{
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: after,
		RelatedID:    relatedID,
		Description:  desc,
		CreatedAt:    at,
	})
}
