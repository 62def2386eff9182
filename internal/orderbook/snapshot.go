package orderbook

import (
	"context"
	"fmt"
	"sort"

	"github.com/hipo/sharemarket/internal/contracts"
)

// Snapshot aggregates target's open orders into price levels, best first
func (b *Book) Snapshot(ctx context.Context, targetID string) (*contracts.BookSnapshot, error) {
	if targetID == "" {
		return nil, fmt.Errorf("%w: target is required", contracts.ErrInvalidInput)
	}
	orders, err := b.store.ListOpenOrders(ctx, targetID, b.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	return aggregate(targetID, orders), nil
}

func aggregate(targetID string, orders []contracts.Order) *contracts.BookSnapshot {
	bids := make(map[string]*contracts.PriceLevel)
	asks := make(map[string]*contracts.PriceLevel)

	for _, o := range orders {
		side := asks
		if o.Side == contracts.SideBuy {
			side = bids
		}
		key := o.LimitPrice.String()
		lvl, ok := side[key]
		if !ok {
			lvl = &contracts.PriceLevel{Price: o.LimitPrice}
			side[key] = lvl
		}
		lvl.Quantity += o.Remaining()
		lvl.Orders++
	}

	snap := &contracts.BookSnapshot{
		TargetID: targetID,
		Bids:     levels(bids),
		Asks:     levels(asks),
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price.GreaterThan(snap.Bids[j].Price) })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price.LessThan(snap.Asks[j].Price) })
	return snap
}

func levels(m map[string]*contracts.PriceLevel) []contracts.PriceLevel {
	out := make([]contracts.PriceLevel, 0, len(m))
	for _, lvl := range m {
		out = append(out, *lvl)
	}
	return out
}
