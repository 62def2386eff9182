package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
)

func (s *state) holding(userID, targetID string) contracts.Holding {
	if h, ok := s.holdings[pairKey{userID, targetID}]; ok {
		return h
	}
	return contracts.Holding{UserID: userID, TargetID: targetID}
}

func (s *state) GetHolding(_ context.Context, userID, targetID string) (contracts.Holding, error) {
	return s.holding(userID, targetID), nil
}

func (s *state) ListHoldings(_ context.Context) ([]contracts.Holding, error) {
	out := make([]contracts.Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, h)
	}
	sortHoldings(out)
	return out, nil
}

func (s *state) ListHoldingsByUser(_ context.Context, userID string) ([]contracts.Holding, error) {
	var out []contracts.Holding
	for k, h := range s.holdings {
		if k.userID == userID {
			out = append(out, h)
		}
	}
	sortHoldings(out)
	return out, nil
}

func sortHoldings(hs []contracts.Holding) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].UserID != hs[j].UserID {
			return hs[i].UserID < hs[j].UserID
		}
		return hs[i].TargetID < hs[j].TargetID
	})
}

func (s *state) SumLedger(_ context.Context, userID, targetID string) (int64, error) {
	var sum int64
	for _, e := range s.ledger {
		if e.TargetID != targetID {
			continue
		}
		if e.ToUserID == userID {
			sum += e.Quantity
		}
		if e.FromUserID == userID {
			sum -= e.Quantity
		}
	}
	return sum, nil
}

func (s *state) ListLedger(_ context.Context, userID, targetID string, limit int) ([]contracts.LedgerEntry, error) {
	var out []contracts.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		e := s.ledger[i]
		if e.FromUserID != userID && e.ToUserID != userID {
			continue
		}
		if targetID != "" && e.TargetID != targetID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *state) AppendLedger(_ context.Context, e *contracts.LedgerEntry) error {
	if e.Quantity <= 0 {
		return fmt.Errorf("%w: ledger quantity must be positive", contracts.ErrInvalidInput)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	if e.FromUserID != "" {
		from := s.holding(e.FromUserID, e.TargetID)
		if from.Available() < e.Quantity {
			return fmt.Errorf("%w: %s has %d available of %s, needs %d",
				contracts.ErrInsufficientHoldings, e.FromUserID, from.Available(), e.TargetID, e.Quantity)
		}
		from.Quantity -= e.Quantity
		s.holdings[pairKey{e.FromUserID, e.TargetID}] = from
	}

	to := s.holding(e.ToUserID, e.TargetID)
	to.Quantity += e.Quantity
	s.holdings[pairKey{e.ToUserID, e.TargetID}] = to

	s.ledger = append(s.ledger, *e)
	return nil
}

func (s *state) ReserveHolding(_ context.Context, userID, targetID string, qty int64) error {
	h := s.holding(userID, targetID)
	if h.Available() < qty {
		return fmt.Errorf("%w: %s has %d available of %s, needs %d",
			contracts.ErrInsufficientHoldings, userID, h.Available(), targetID, qty)
	}
	h.Reserved += qty
	s.holdings[pairKey{userID, targetID}] = h
	return nil
}

func (s *state) ReleaseHolding(_ context.Context, userID, targetID string, qty int64) error {
	h := s.holding(userID, targetID)
	if h.Reserved < qty {
		return fmt.Errorf("%w: release %d exceeds reserved %d for %s/%s",
			contracts.ErrConcurrencyConflict, qty, h.Reserved, userID, targetID)
	}
	h.Reserved -= qty
	s.holdings[pairKey{userID, targetID}] = h
	return nil
}

func (s *state) GetWallet(_ context.Context, userID string) (contracts.Wallet, error) {
	if w, ok := s.wallets[userID]; ok {
		return w, nil
	}
	return contracts.Wallet{UserID: userID, Balance: decimal.Zero}, nil
}

func (s *state) ListWalletTransactions(_ context.Context, userID string, limit int) ([]contracts.WalletTransaction, error) {
	var out []contracts.WalletTransaction
	for i := len(s.walletTxs) - 1; i >= 0; i-- {
		if s.walletTxs[i].UserID != userID {
			continue
		}
		out = append(out, s.walletTxs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *state) DebitWallet(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit amount must be positive", contracts.ErrInvalidInput)
	}
	w, ok := s.wallets[userID]
	if !ok || w.Balance.LessThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s cannot cover %s", contracts.ErrInsufficientFunds, userID, amount)
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = s.now()
	s.wallets[userID] = w
	return w.Balance, nil
}

func (s *state) CreditWallet(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: credit amount must be positive", contracts.ErrInvalidInput)
	}
	w, ok := s.wallets[userID]
	if !ok {
		w = contracts.Wallet{UserID: userID, Balance: decimal.Zero}
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = s.now()
	s.wallets[userID] = w
	return w.Balance, nil
}

func (s *state) InsertWalletTransaction(_ context.Context, t *contracts.WalletTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.walletTxs = append(s.walletTxs, *t)
	return nil
}
