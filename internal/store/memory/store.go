// Package memory is an in-process contracts.Store. Every transaction runs
// under one store-wide lock against a private copy of the state, so
// transactions are serializable and a failed one leaves nothing behind.
// It backs the domain tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hipo/sharemarket/internal/contracts"
)

var (
	_ contracts.Store = (*Store)(nil)
	_ contracts.Tx    = (*state)(nil)
)

// Store is the in-memory contracts.Store
type Store struct {
	mu    sync.Mutex
	state *state
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for wallet and outbox timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.state.now = now
	}
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{state: newState(time.Now)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn against a copy of the state and publishes the copy only when
// fn succeeds. fn must not call back into the Store.
func (s *Store) InTx(ctx context.Context, fn func(tx contracts.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) read() (*state, func()) {
	s.mu.Lock()
	return s.state, s.mu.Unlock
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*contracts.Order, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetOrder(ctx, id)
}

func (s *Store) ListOrdersByOwner(ctx context.Context, ownerID string, status contracts.OrderStatus) ([]contracts.Order, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListOrdersByOwner(ctx, ownerID, status)
}

func (s *Store) ListOpenOrders(ctx context.Context, targetID string, now time.Time) ([]contracts.Order, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListOpenOrders(ctx, targetID, now)
}

func (s *Store) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListExpiredOrderIDs(ctx, now, limit)
}

func (s *Store) ListTrades(ctx context.Context, targetID string, limit int) ([]contracts.Trade, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListTrades(ctx, targetID, limit)
}

func (s *Store) GetHolding(ctx context.Context, userID, targetID string) (contracts.Holding, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetHolding(ctx, userID, targetID)
}

func (s *Store) ListHoldings(ctx context.Context) ([]contracts.Holding, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListHoldings(ctx)
}

func (s *Store) ListHoldingsByUser(ctx context.Context, userID string) ([]contracts.Holding, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListHoldingsByUser(ctx, userID)
}

func (s *Store) SumLedger(ctx context.Context, userID, targetID string) (int64, error) {
	st, unlock := s.read()
	defer unlock()
	return st.SumLedger(ctx, userID, targetID)
}

func (s *Store) ListLedger(ctx context.Context, userID, targetID string, limit int) ([]contracts.LedgerEntry, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListLedger(ctx, userID, targetID, limit)
}

func (s *Store) GetWallet(ctx context.Context, userID string) (contracts.Wallet, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetWallet(ctx, userID)
}

func (s *Store) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]contracts.WalletTransaction, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListWalletTransactions(ctx, userID, limit)
}

func (s *Store) GetCommunity(ctx context.Context, id uuid.UUID) (*contracts.Community, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetCommunity(ctx, id)
}

func (s *Store) GetCommunityByCreator(ctx context.Context, creatorID string) (*contracts.Community, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetCommunityByCreator(ctx, creatorID)
}

func (s *Store) ListCommunities(ctx context.Context, activeOnly bool) ([]contracts.Community, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListCommunities(ctx, activeOnly)
}

func (s *Store) ListMembers(ctx context.Context, communityID uuid.UUID) ([]contracts.CommunityMember, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListMembers(ctx, communityID)
}

func (s *Store) ListAdminTerms(ctx context.Context, communityID uuid.UUID) ([]contracts.AdminTerm, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListAdminTerms(ctx, communityID)
}

func (s *Store) ListBadges(ctx context.Context, userID string) ([]contracts.ShareholderBadge, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListBadges(ctx, userID)
}

func (s *Store) GetReferralByReferred(ctx context.Context, userID string) (*contracts.Referral, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetReferralByReferred(ctx, userID)
}

func (s *Store) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]contracts.Referral, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListReferralsByReferrer(ctx, referrerID)
}

func (s *Store) ListReferralCommissions(ctx context.Context, referrerID string) ([]contracts.ReferralCommission, error) {
	st, unlock := s.read()
	defer unlock()
	return st.ListReferralCommissions(ctx, referrerID)
}

func (s *Store) GetQuotaUsage(ctx context.Context, userID, targetID string, kind contracts.QuotaKind, month string) (int, error) {
	st, unlock := s.read()
	defer unlock()
	return st.GetQuotaUsage(ctx, userID, targetID, kind, month)
}

// Outbox

func (s *Store) ClaimEvents(_ context.Context, now time.Time, lease time.Duration, limit int) ([]contracts.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []contracts.OutboxEvent
	for i := range s.state.events {
		e := &s.state.events[i]
		due := (e.Status == contracts.EventPending || e.Status == contracts.EventProcessing) &&
			!e.NextAttemptAt.After(now)
		if !due {
			continue
		}
		e.Status = contracts.EventProcessing
		e.Attempts++
		e.NextAttemptAt = now.Add(lease)
		claimed = append(claimed, *e)
		if limit > 0 && len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

func (s *Store) updateEvent(id int64, fn func(e *contracts.OutboxEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.events {
		if s.state.events[i].ID == id {
			fn(&s.state.events[i])
			return nil
		}
	}
	return fmt.Errorf("event %d: %w", id, contracts.ErrNotFound)
}

func (s *Store) CompleteEvent(_ context.Context, id int64) error {
	return s.updateEvent(id, func(e *contracts.OutboxEvent) {
		e.Status = contracts.EventDone
		e.LastError = ""
	})
}

func (s *Store) RetryEvent(_ context.Context, id int64, nextAttemptAt time.Time, lastErr string, delivered []string) error {
	return s.updateEvent(id, func(e *contracts.OutboxEvent) {
		e.Status = contracts.EventPending
		e.NextAttemptAt = nextAttemptAt
		e.LastError = lastErr
		e.Delivered = append([]string(nil), delivered...)
	})
}

func (s *Store) DeadEvent(_ context.Context, id int64, lastErr string) error {
	return s.updateEvent(id, func(e *contracts.OutboxEvent) {
		e.Status = contracts.EventDead
		e.LastError = lastErr
	})
}

func (s *Store) ListEvents(_ context.Context, status contracts.EventStatus, limit int) ([]contracts.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []contracts.OutboxEvent
	for _, e := range s.state.events {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, limit), nil
}
