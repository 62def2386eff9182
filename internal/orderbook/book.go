// Package orderbook accepts, matches, cancels and expires limit orders.
//
// There is no in-process book: the store is the book. Matching is a
// sequence of single-match settlement units, so a long sweep through many
// resting orders never holds one giant transaction and partial progress
// survives a later failure.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/settlement"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/metrics"
)

// Defaults used when Config leaves a field zero
const (
	DefaultOrderTTL        = 24 * time.Hour
	DefaultMatchRetryLimit = 3
	DefaultTradesLimit     = 50
	DefaultExpiryBatch     = 500
)

// Config holds order book rules
type Config struct {
	OrderTTL        time.Duration
	MatchRetryLimit int
}

// PlaceOrderRequest is the input of PlaceOrder
type PlaceOrderRequest struct {
	OwnerID    string          `json:"owner_id"`
	TargetID   string          `json:"target_id"`
	Side       contracts.Side  `json:"side"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// Validate rejects a request before any mutation
func (r PlaceOrderRequest) Validate() error {
	switch {
	case r.OwnerID == "":
		return fmt.Errorf("%w: owner is required", contracts.ErrInvalidInput)
	case r.TargetID == "":
		return fmt.Errorf("%w: target is required", contracts.ErrInvalidInput)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", contracts.ErrInvalidInput)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", contracts.ErrInvalidInput)
	case !r.LimitPrice.IsPositive():
		return fmt.Errorf("%w: limit price must be positive", contracts.ErrInvalidInput)
	}
	return nil
}

// PlaceResult is the order after matching plus the trades it produced
type PlaceResult struct {
	Order  *contracts.Order  `json:"order"`
	Trades []contracts.Trade `json:"trades"`
}

// TradeListener observes trades after their settlement committed
type TradeListener func(ctx context.Context, trades []contracts.Trade)

// Book is the order book service
// ⭐ SSOT: order placement, cancellation and expiry happen only here
type Book struct {
	store     contracts.Store
	settler   *settlement.Settler
	cfg       Config
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
	listeners []TradeListener
}

// NewBook creates a Book. m may be nil.
func NewBook(store contracts.Store, settler *settlement.Settler, cfg Config, m *metrics.Metrics, log *logger.Logger) *Book {
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = DefaultOrderTTL
	}
	if cfg.MatchRetryLimit <= 0 {
		cfg.MatchRetryLimit = DefaultMatchRetryLimit
	}
	return &Book{
		store:   store,
		settler: settler,
		cfg:     cfg,
		metrics: m,
		logger:  log.WithComponent("orderbook"),
		now:     time.Now,
	}
}

// WithClock replaces the book clock
func (b *Book) WithClock(now func() time.Time) *Book {
	b.now = now
	return b
}

// OnTrades registers a listener called after each match loop that traded
func (b *Book) OnTrades(fn TradeListener) {
	b.listeners = append(b.listeners, fn)
}

// PlaceOrder escrows (BUY) or reserves (SELL), rests the order and matches it
func (b *Book) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceResult, error) {
	if err := req.Validate(); err != nil {
		b.metrics.OrderRejected(contracts.KindOf(err))
		return nil, err
	}

	now := b.now()
	order := &contracts.Order{
		ID:         uuid.New(),
		OwnerID:    req.OwnerID,
		TargetID:   req.TargetID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		Status:     contracts.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.cfg.OrderTTL),
		UpdatedAt:  now,
	}

	err := b.store.InTx(ctx, func(tx contracts.Tx) error {
		if order.Side == contracts.SideBuy {
			if err := wallet.Escrow(ctx, tx, order.OwnerID, order.EscrowFor(order.Quantity), order.ID.String(), now); err != nil {
				return err
			}
		} else {
			if err := tx.ReserveHolding(ctx, order.OwnerID, order.TargetID, order.Quantity); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		b.metrics.OrderRejected(contracts.KindOf(err))
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	b.metrics.OrderPlaced(string(order.Side))
	b.logger.WithOrder(order.ID, order.TargetID).WithFields(map[string]interface{}{
		"owner_id":    order.OwnerID,
		"side":        order.Side,
		"quantity":    order.Quantity,
		"limit_price": order.LimitPrice.String(),
	}).Info("Order placed")

	trades, final, err := b.Match(ctx, order)
	if err != nil {
		// the order is stored and rests on the book; matching resumes when a
		// counter order arrives
		b.logger.WithOrder(order.ID, order.TargetID).WithError(err).Warn("Matching stopped early")
	}
	if trades == nil {
		trades = []contracts.Trade{}
	}
	return &PlaceResult{Order: final, Trades: trades}, nil
}

// Match runs single-match settlement units for order until it is filled or
// no eligible resting order remains. It returns the trades and the latest
// committed state of order.
func (b *Book) Match(ctx context.Context, order *contracts.Order) ([]contracts.Trade, *contracts.Order, error) {
	var (
		trades    []contracts.Trade
		exclude   []uuid.UUID
		conflicts int
		current   = order
	)
	defer func() { b.publish(ctx, trades) }()

	for {
		if err := ctx.Err(); err != nil {
			return trades, current, err
		}

		out, err := b.settler.SettleNext(ctx, current, b.now(), exclude)
		if err != nil {
			if errors.Is(err, contracts.ErrConcurrencyConflict) && conflicts < b.cfg.MatchRetryLimit {
				conflicts++
				continue
			}
			if out == nil || out.Resting == nil {
				return trades, current, err
			}
			b.logger.WithOrder(current.ID, current.TargetID).WithError(err).
				WithField("resting_order_id", out.Resting.ID.String()).
				Warn("Skipping resting order after failed settlement")
			exclude = append(exclude, out.Resting.ID)
			conflicts = 0
			continue
		}

		if out.Aggressor != nil {
			current = out.Aggressor
		}
		if out.Done {
			return trades, current, nil
		}
		trades = append(trades, *out.Trade)
		conflicts = 0
	}
}

func (b *Book) publish(ctx context.Context, trades []contracts.Trade) {
	if len(trades) == 0 {
		return
	}
	for _, fn := range b.listeners {
		fn(ctx, trades)
	}
}

// Cancel closes an open order owned by requester and returns its escrow or
// reservation. An open order already past its expiry is closed as EXPIRED.
func (b *Book) Cancel(ctx context.Context, orderID uuid.UUID, requester string) (*contracts.Order, error) {
	now := b.now()
	var closed *contracts.Order

	err := b.store.InTx(ctx, func(tx contracts.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.OwnerID != requester {
			return fmt.Errorf("%w: order %s belongs to another user", contracts.ErrForbidden, orderID)
		}
		if !o.Status.IsOpen() {
			return fmt.Errorf("%w: order %s is %s", contracts.ErrAlreadyTerminal, orderID, o.Status)
		}

		status := contracts.StatusCancelled
		if !now.Before(o.ExpiresAt) {
			status = contracts.StatusExpired
		}
		if err := closeOrder(ctx, tx, o, status, now); err != nil {
			return err
		}
		closed = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	b.metrics.OrderClosed(string(closed.Status))
	b.logger.WithOrder(closed.ID, closed.TargetID).WithFields(map[string]interface{}{
		"status":    closed.Status,
		"remaining": closed.Remaining(),
	}).Info("Order cancelled")
	return closed, nil
}

// closeOrder moves o to status and releases what it still holds: the escrow
// of the unfilled remainder for a BUY, the reservation for a SELL
func closeOrder(ctx context.Context, tx contracts.Tx, o *contracts.Order, status contracts.OrderStatus, now time.Time) error {
	remaining := o.Remaining()
	if err := o.Close(status, now); err != nil {
		return err
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	if o.Side == contracts.SideBuy {
		reason := "order " + string(status)
		if err := wallet.Refund(ctx, tx, o.OwnerID, o.EscrowFor(remaining), o.ID.String(), reason, now); err != nil {
			return fmt.Errorf("failed to refund escrow: %w", err)
		}
		return nil
	}
	if err := tx.ReleaseHolding(ctx, o.OwnerID, o.TargetID, remaining); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// ExpireDue closes up to batch open orders past their expiry. Each order is
// re-checked under its row lock, so concurrent sweeps refund it once.
func (b *Book) ExpireDue(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = DefaultExpiryBatch
	}
	now := b.now()

	ids, err := b.store.ListExpiredOrderIDs(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired orders: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := b.expireOne(ctx, id, now)
		if err != nil {
			b.logger.WithError(err).WithField("order_id", id.String()).Error("Failed to expire order")
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		b.logger.WithField("expired", expired).Info("Expired orders swept")
	}
	return expired, errors.Join(errs...)
}

func (b *Book) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var closed *contracts.Order

	err := b.store.InTx(ctx, func(tx contracts.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if !o.Status.IsOpen() || now.Before(o.ExpiresAt) {
			return nil
		}
		if err := closeOrder(ctx, tx, o, contracts.StatusExpired, now); err != nil {
			return err
		}
		closed = o
		return nil
	})
	if err != nil {
		return false, err
	}
	if closed == nil {
		return false, nil
	}

	b.metrics.OrderClosed(string(contracts.StatusExpired))
	b.logger.WithOrder(closed.ID, closed.TargetID).WithField("remaining", closed.Remaining()).Debug("Order expired")
	return true, nil
}

// GetOrder returns one order
func (b *Book) GetOrder(ctx context.Context, id uuid.UUID) (*contracts.Order, error) {
	o, err := b.store.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders returns owner's orders newest first; empty status means all
func (b *Book) ListOrders(ctx context.Context, ownerID string, status contracts.OrderStatus) ([]contracts.Order, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", contracts.ErrInvalidInput)
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", contracts.ErrInvalidInput, status)
	}
	orders, err := b.store.ListOrdersByOwner(ctx, ownerID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// ListTrades returns target's trades newest first
func (b *Book) ListTrades(ctx context.Context, targetID string, limit int) ([]contracts.Trade, error) {
	if targetID == "" {
		return nil, fmt.Errorf("%w: target is required", contracts.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultTradesLimit
	}
	trades, err := b.store.ListTrades(ctx, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}
