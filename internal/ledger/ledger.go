// Package ledger records ownership changes and answers position queries.
//
// The append-only ledger is the source of truth. Each append also moves the
// materialized (user, target) counter in the same transaction, so Position
// is a single row read rather than a scan over history. Reconcile checks the
// counter against the raw ledger sum.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

// DefaultHistoryLimit caps History when the caller passes 0
const DefaultHistoryLimit = 100

// Service exposes ledger writes that are not part of a trade, plus reads
// ⭐ SSOT: positions are derived only from the ledger written here
type Service struct {
	store  contracts.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a ledger service
func NewService(store contracts.Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("ledger"),
		now:    time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordOwnershipChange appends one entry inside tx. from is empty for grants.
func RecordOwnershipChange(ctx context.Context, tx contracts.Tx, from, to, targetID string, qty int64, unitPrice decimal.Decimal, kind contracts.LedgerKind, at time.Time) (*contracts.LedgerEntry, error) {
	switch {
	case qty <= 0:
		return nil, fmt.Errorf("%w: quantity must be positive", contracts.ErrInvalidInput)
	case to == "" || targetID == "":
		return nil, fmt.Errorf("%w: recipient and target are required", contracts.ErrInvalidInput)
	case from == "" && kind != contracts.LedgerGrant:
		return nil, fmt.Errorf("%w: only grants may omit the sender", contracts.ErrInvalidInput)
	case from != "" && kind == contracts.LedgerGrant:
		return nil, fmt.Errorf("%w: grants have no sender", contracts.ErrInvalidInput)
	case unitPrice.IsNegative():
		return nil, fmt.Errorf("%w: unit price must not be negative", contracts.ErrInvalidInput)
	}

	entry := &contracts.LedgerEntry{
		FromUserID: from,
		ToUserID:   to,
		TargetID:   targetID,
		Quantity:   qty,
		UnitPrice:  unitPrice,
		Kind:       kind,
		At:         at,
	}
	if err := tx.AppendLedger(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Position returns how many units of target the user holds
func (s *Service) Position(ctx context.Context, userID, targetID string) (int64, error) {
	h, err := s.Holding(ctx, userID, targetID)
	if err != nil {
		return 0, err
	}
	return h.Quantity, nil
}

// Holding returns the position together with the quantity reserved by
// resting sell orders
func (s *Service) Holding(ctx context.Context, userID, targetID string) (contracts.Holding, error) {
	if userID == "" || targetID == "" {
		return contracts.Holding{}, fmt.Errorf("%w: user and target are required", contracts.ErrInvalidInput)
	}
	h, err := s.store.GetHolding(ctx, userID, targetID)
	if err != nil {
		return contracts.Holding{}, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

// Holdings lists every target the user has ever held
func (s *Service) Holdings(ctx context.Context, userID string) ([]contracts.Holding, error) {
	hs, err := s.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return hs, nil
}

// Grant issues new units to a user. Grants never touch reservations.
func (s *Service) Grant(ctx context.Context, to, targetID string, qty int64) (*contracts.LedgerEntry, error) {
	var entry *contracts.LedgerEntry
	now := s.now()

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		if err := tx.LockTarget(ctx, targetID); err != nil {
			return err
		}
		var err error
		entry, err = RecordOwnershipChange(ctx, tx, "", to, targetID, qty, decimal.Zero, contracts.LedgerGrant, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to grant: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"to":        to,
		"target_id": targetID,
		"quantity":  qty,
	}).Info("Shares granted")
	return entry, nil
}

// Transfer moves units between users off-book. Only the available quantity
// (position minus reservations) can move.
func (s *Service) Transfer(ctx context.Context, from, to, targetID string, qty int64) (*contracts.LedgerEntry, error) {
	if from == "" || from == to {
		return nil, fmt.Errorf("%w: transfer needs two distinct users", contracts.ErrInvalidInput)
	}

	var entry *contracts.LedgerEntry
	now := s.now()

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		if err := tx.LockTarget(ctx, targetID); err != nil {
			return err
		}
		var err error
		entry, err = RecordOwnershipChange(ctx, tx, from, to, targetID, qty, decimal.Zero, contracts.LedgerTransfer, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to transfer: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"from":      from,
		"to":        to,
		"target_id": targetID,
		"quantity":  qty,
	}).Info("Shares transferred")
	return entry, nil
}

// History returns the user's ledger entries newest first; an empty target
// means every target
func (s *Service) History(ctx context.Context, userID, targetID string, limit int) ([]contracts.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	entries, err := s.store.ListLedger(ctx, userID, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	return entries, nil
}

// Drift is a counter that disagrees with the ledger sum
type Drift struct {
	UserID    string `json:"user_id"`
	TargetID  string `json:"target_id"`
	Counter   int64  `json:"counter"`
	LedgerSum int64  `json:"ledger_sum"`
}

// Reconcile compares one counter with the ledger sum. It returns nil when
// they agree.
func (s *Service) Reconcile(ctx context.Context, userID, targetID string) (*Drift, error) {
	var (
		h   contracts.Holding
		sum int64
	)
	// both reads hold the target lock so no append lands between them
	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		if err := tx.LockTarget(ctx, targetID); err != nil {
			return err
		}
		var err error
		if h, err = tx.GetHolding(ctx, userID, targetID); err != nil {
			return fmt.Errorf("failed to get holding: %w", err)
		}
		if sum, err = tx.SumLedger(ctx, userID, targetID); err != nil {
			return fmt.Errorf("failed to sum ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile %s/%s: %w", userID, targetID, err)
	}
	if sum == h.Quantity {
		return nil, nil
	}
	return &Drift{UserID: userID, TargetID: targetID, Counter: h.Quantity, LedgerSum: sum}, nil
}

// ReconcileAll checks every counter and logs each drift found
func (s *Service) ReconcileAll(ctx context.Context) ([]Drift, error) {
	holdings, err := s.store.ListHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}

	var drifts []Drift
	for _, h := range holdings {
		if err := ctx.Err(); err != nil {
			return drifts, err
		}
		d, err := s.Reconcile(ctx, h.UserID, h.TargetID)
		if err != nil {
			return drifts, err
		}
		if d != nil {
			s.logger.WithFields(map[string]interface{}{
				"user_id":    d.UserID,
				"target_id":  d.TargetID,
				"counter":    d.Counter,
				"ledger_sum": d.LedgerSum,
			}).Error("Position counter drifted from ledger")
			drifts = append(drifts, *d)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"checked": len(holdings),
		"drifts":  len(drifts),
	}).Info("Ledger reconciliation finished")
	return drifts, nil
}
