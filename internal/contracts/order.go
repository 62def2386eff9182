package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is a resting or incoming limit order on a creator's share book
// ⭐ SSOT: order state transitions happen only through orderbook/settlement
type Order struct {
	ID             uuid.UUID       `json:"id"`
	Seq            int64           `json:"-"`
	OwnerID        string          `json:"owner_id"`
	TargetID       string          `json:"target_id"`
	Side           Side            `json:"side"`
	Quantity       int64           `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	FilledQuantity int64           `json:"filled_quantity"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side an order of s matches against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus represents order lifecycle state
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// IsOpen reports whether the status still rests on the book
func (s OrderStatus) IsOpen() bool {
	return s == StatusPending || s == StatusPartial
}

// IsTerminal reports whether the status can no longer change
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is one of the known statuses
func (s OrderStatus) Valid() bool {
	return s.IsOpen() || s.IsTerminal()
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// EscrowFor returns limitPrice × qty, the coins a BUY holds for qty units
func (o *Order) EscrowFor(qty int64) decimal.Decimal {
	return o.LimitPrice.Mul(decimal.NewFromInt(qty))
}

// IsOpenAt reports whether the order can still trade at now
func (o *Order) IsOpenAt(now time.Time) bool {
	return o.Status.IsOpen() && now.Before(o.ExpiresAt)
}

// StatusAt derives the status from (quantity, filled, now vs expiresAt).
// Cancelled and expired orders keep their stored status.
func (o *Order) StatusAt(now time.Time) OrderStatus {
	if o.Status == StatusCancelled || o.Status == StatusExpired {
		return o.Status
	}
	return FillStatus(o.Quantity, o.FilledQuantity, o.ExpiresAt, now)
}

// FillStatus is the pure status function for an order that was never cancelled
func FillStatus(quantity, filled int64, expiresAt, now time.Time) OrderStatus {
	switch {
	case filled >= quantity:
		return StatusFilled
	case !now.Before(expiresAt):
		return StatusExpired
	case filled > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

// Fill adds qty to the filled quantity and recomputes the status
func (o *Order) Fill(qty int64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("%w: fill quantity must be positive", ErrInvalidInput)
	}
	if !o.Status.IsOpen() {
		return fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, o.ID, o.Status)
	}
	if o.FilledQuantity+qty > o.Quantity {
		return fmt.Errorf("%w: fill %d exceeds remaining %d on order %s",
			ErrConcurrencyConflict, qty, o.Remaining(), o.ID)
	}

	o.FilledQuantity += qty
	if o.FilledQuantity == o.Quantity {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	o.UpdatedAt = at
	return nil
}

// Close moves an open order to CANCELLED or EXPIRED
func (o *Order) Close(status OrderStatus, at time.Time) error {
	if status != StatusCancelled && status != StatusExpired {
		return fmt.Errorf("%w: cannot close order with status %s", ErrInvalidInput, status)
	}
	if !o.Status.IsOpen() {
		return fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, o.ID, o.Status)
	}
	o.Status = status
	o.UpdatedAt = at
	return nil
}

// Crosses reports whether a resting order's price is acceptable to o
func (o *Order) Crosses(resting *Order) bool {
	if o.Side == SideBuy {
		return o.LimitPrice.GreaterThanOrEqual(resting.LimitPrice)
	}
	return o.LimitPrice.LessThanOrEqual(resting.LimitPrice)
}

// Outranks reports whether a has strictly better price-time priority than b
// for an aggressor on the opposite side of both
func Outranks(a, b *Order) bool {
	if !a.LimitPrice.Equal(b.LimitPrice) {
		if a.Side == SideSell {
			return a.LimitPrice.LessThan(b.LimitPrice)
		}
		return a.LimitPrice.GreaterThan(b.LimitPrice)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
