package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hipo/sharemarket/internal/contracts"
)

func (s *state) GetOrder(_ context.Context, id uuid.UUID) (*contracts.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, contracts.ErrNotFound)
	}
	return &o, nil
}

func (s *state) ListOrdersByOwner(_ context.Context, ownerID string, status contracts.OrderStatus) ([]contracts.Order, error) {
	var out []contracts.Order
	for _, o := range s.orders {
		if o.OwnerID != ownerID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (s *state) ListOpenOrders(_ context.Context, targetID string, now time.Time) ([]contracts.Order, error) {
	var out []contracts.Order
	for _, o := range s.orders {
		if o.TargetID == targetID && o.IsOpenAt(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *state) ListExpiredOrderIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var due []contracts.Order
	for _, o := range s.orders {
		if o.Status.IsOpen() && !now.Before(o.ExpiresAt) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].Seq < due[j].Seq
	})
	due = limitSlice(due, limit)

	ids := make([]uuid.UUID, len(due))
	for i, o := range due {
		ids[i] = o.ID
	}
	return ids, nil
}

func (s *state) ListTrades(_ context.Context, targetID string, limit int) ([]contracts.Trade, error) {
	var out []contracts.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].TargetID == targetID {
			out = append(out, s.trades[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LockTarget is a no-op: InTx already holds the store-wide lock
func (s *state) LockTarget(_ context.Context, targetID string) error {
	if targetID == "" {
		return fmt.Errorf("%w: empty target", contracts.ErrInvalidInput)
	}
	return nil
}

func (s *state) LockOrder(ctx context.Context, id uuid.UUID) (*contracts.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *state) NextResting(_ context.Context, aggressor *contracts.Order, now time.Time, exclude []uuid.UUID) (*contracts.Order, error) {
	skip := make(map[uuid.UUID]bool, len(exclude)+1)
	for _, id := range exclude {
		skip[id] = true
	}
	skip[aggressor.ID] = true

	var best *contracts.Order
	for id, o := range s.orders {
		if skip[id] || o.TargetID != aggressor.TargetID || o.Side != aggressor.Side.Opposite() {
			continue
		}
		if !o.IsOpenAt(now) || !aggressor.Crosses(&o) {
			continue
		}
		if best == nil || contracts.Outranks(&o, best) {
			candidate := o
			best = &candidate
		}
	}
	return best, nil
}

func (s *state) InsertOrder(_ context.Context, o *contracts.Order) error {
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", contracts.ErrInvalidInput, o.ID)
	}
	s.orderSeq++
	o.Seq = s.orderSeq
	s.orders[o.ID] = *o
	return nil
}

func (s *state) UpdateOrder(_ context.Context, o *contracts.Order) error {
	if _, exists := s.orders[o.ID]; !exists {
		return fmt.Errorf("order %s: %w", o.ID, contracts.ErrNotFound)
	}
	s.orders[o.ID] = *o
	return nil
}

func (s *state) InsertTrade(_ context.Context, t *contracts.Trade) error {
	s.trades = append(s.trades, *t)
	return nil
}

func (s *state) EnqueueEvent(_ context.Context, event contracts.TradeSettled) error {
	now := s.now()
	s.eventSeq++
	s.events = append(s.events, contracts.OutboxEvent{
		ID:            s.eventSeq,
		Event:         event,
		Status:        contracts.EventPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	return nil
}
