// Package settlement executes one match as a single atomic unit: ledger
// transfer, trade record, fills on both orders, seller credit, reservation
// release and the outbox event, all committed together or not at all.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/metrics"
)

// Outcome of one settlement attempt.
// Done is set when the aggressor can no longer trade or the book has no
// eligible candidate. Resting is set whenever a candidate was chosen, also
// on failure, so the caller can skip it.
type Outcome struct {
	Trade     *contracts.Trade
	Aggressor *contracts.Order
	Resting   *contracts.Order
	Done      bool
}

// Settler runs match units against the store
// ⭐ SSOT: trades are created only here
type Settler struct {
	store   contracts.Store
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewSettler creates a Settler. m may be nil.
func NewSettler(store contracts.Store, m *metrics.Metrics, log *logger.Logger) *Settler {
	return &Settler{
		store:   store,
		metrics: m,
		logger:  log.WithComponent("settlement"),
	}
}

// SettleNext matches aggressor against the best eligible resting order,
// skipping the ids in exclude, and settles that single match.
func (s *Settler) SettleNext(ctx context.Context, aggressor *contracts.Order, now time.Time, exclude []uuid.UUID) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		out.Trade, out.Aggressor, out.Resting, out.Done = nil, nil, nil, false

		if err := tx.LockTarget(ctx, aggressor.TargetID); err != nil {
			return fmt.Errorf("failed to lock target: %w", err)
		}

		agg, err := tx.LockOrder(ctx, aggressor.ID)
		if err != nil {
			return fmt.Errorf("failed to lock aggressor: %w", err)
		}
		out.Aggressor = agg
		if !agg.IsOpenAt(now) {
			out.Done = true
			return nil
		}

		resting, err := tx.NextResting(ctx, agg, now, exclude)
		if err != nil {
			return fmt.Errorf("failed to select resting order: %w", err)
		}
		if resting == nil {
			out.Done = true
			return nil
		}
		out.Resting = resting

		trade, err := settle(ctx, tx, agg, resting, now)
		if err != nil {
			return err
		}
		out.Trade = trade
		return nil
	})

	if err != nil {
		if errors.Is(err, contracts.ErrConcurrencyConflict) {
			s.metrics.SettlementConflict()
		}
		// rolled back: only the candidate id is still meaningful
		out.Trade, out.Aggressor = nil, nil
		return out, err
	}

	if out.Trade != nil {
		s.metrics.TradeSettled(time.Since(start))
		s.logger.WithTrade(out.Trade.ID, out.Trade.TargetID).WithFields(map[string]interface{}{
			"buyer_id":  out.Trade.BuyerID,
			"seller_id": out.Trade.SellerID,
			"quantity":  out.Trade.Quantity,
			"price":     out.Trade.Price.String(),
		}).Info("Trade settled")
	}
	return out, nil
}

// settle performs the writes of one match inside tx.
// The trade executes at the resting order's limit price.
func settle(ctx context.Context, tx contracts.Tx, aggressor, resting *contracts.Order, now time.Time) (*contracts.Trade, error) {
	qty := min(aggressor.Remaining(), resting.Remaining())
	price := resting.LimitPrice

	buy, sell := aggressor, resting
	if aggressor.Side == contracts.SideSell {
		buy, sell = resting, aggressor
	}

	trade := &contracts.Trade{
		ID:          uuid.New(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.OwnerID,
		SellerID:    sell.OwnerID,
		TargetID:    aggressor.TargetID,
		Quantity:    qty,
		Price:       price,
		ExecutedAt:  now,
	}

	if err := tx.ReleaseHolding(ctx, sell.OwnerID, sell.TargetID, qty); err != nil {
		return nil, fmt.Errorf("failed to release reservation: %w", err)
	}
	if _, err := ledger.RecordOwnershipChange(ctx, tx, sell.OwnerID, buy.OwnerID, trade.TargetID, qty, price, contracts.LedgerBuy, now); err != nil {
		return nil, fmt.Errorf("failed to record ownership change: %w", err)
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}

	for _, o := range []*contracts.Order{aggressor, resting} {
		if err := o.Fill(qty, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, fmt.Errorf("failed to update order: %w", err)
		}
	}

	tradeID := trade.ID.String()
	if err := wallet.CreditSale(ctx, tx, trade.SellerID, trade.Notional(), tradeID, now); err != nil {
		return nil, fmt.Errorf("failed to credit seller: %w", err)
	}

	// the buyer escrowed at its own limit; give back the difference
	improvement := buy.LimitPrice.Sub(price).Mul(decimal.NewFromInt(qty))
	if err := wallet.Refund(ctx, tx, trade.BuyerID, improvement, buy.ID.String(), "price improvement", now); err != nil {
		return nil, fmt.Errorf("failed to refund price improvement: %w", err)
	}

	if err := tx.EnqueueEvent(ctx, trade.Event()); err != nil {
		return nil, fmt.Errorf("failed to enqueue trade event: %w", err)
	}
	return trade, nil
}
