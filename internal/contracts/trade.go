package contracts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is one executed match. Immutable once created.
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	TargetID    string          `json:"target_id"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"` // resting (maker) order's limit price
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Notional returns price × quantity
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Event returns the post-settlement event for this trade
func (t *Trade) Event() TradeSettled {
	return TradeSettled{
		TradeID:    t.ID,
		BuyerID:    t.BuyerID,
		SellerID:   t.SellerID,
		TargetID:   t.TargetID,
		Quantity:   t.Quantity,
		Price:      t.Price,
		ExecutedAt: t.ExecutedAt,
	}
}

// TradeSettled is emitted once per committed settlement
type TradeSettled struct {
	TradeID    uuid.UUID       `json:"trade_id"`
	BuyerID    string          `json:"buyer_id"`
	SellerID   string          `json:"seller_id"`
	TargetID   string          `json:"target_id"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Notional returns price × quantity
func (e TradeSettled) Notional() decimal.Decimal {
	return e.Price.Mul(decimal.NewFromInt(e.Quantity))
}

// EventStatus tracks an outbox row
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventDone       EventStatus = "DONE"
	EventDead       EventStatus = "DEAD"
)

// OutboxEvent is a TradeSettled waiting for (or done with) cascade delivery
type OutboxEvent struct {
	ID            int64        `json:"id"`
	Event         TradeSettled `json:"event"`
	Status        EventStatus  `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	// Delivered names the handlers that already succeeded on an earlier
	// attempt
	Delivered     []string     `json:"delivered,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PriceLevel aggregates open orders at one price for a book snapshot
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// BookSnapshot is the open book for one target
type BookSnapshot struct {
	TargetID string       `json:"target_id"`
	Bids     []PriceLevel `json:"bids"` // best (highest) first
	Asks     []PriceLevel `json:"asks"` // best (lowest) first
}
