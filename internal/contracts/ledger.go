package contracts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerKind classifies an ownership change
type LedgerKind string

const (
	LedgerBuy      LedgerKind = "BUY"
	LedgerSell     LedgerKind = "SELL"
	LedgerTransfer LedgerKind = "TRANSFER"
	LedgerGrant    LedgerKind = "GRANT"
)

// LedgerEntry is one append-only ownership change.
// FromUserID is empty for grants.
type LedgerEntry struct {
	ID         uuid.UUID       `json:"id"`
	FromUserID string          `json:"from_user_id,omitempty"`
	ToUserID   string          `json:"to_user_id"`
	TargetID   string          `json:"target_id"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Kind       LedgerKind      `json:"kind"`
	At         time.Time       `json:"at"`
}

// Holding is the materialized position counter for (user, target), kept in
// step with the ledger, plus the quantity reserved by resting sell orders.
type Holding struct {
	UserID   string `json:"user_id"`
	TargetID string `json:"target_id"`
	Quantity int64  `json:"quantity"`
	Reserved int64  `json:"reserved"`
}

// Available is what a new sell order or a transfer may still consume
func (h Holding) Available() int64 {
	return h.Quantity - h.Reserved
}

// WalletTxKind classifies a coin movement
type WalletTxKind string

const (
	WalletEscrowDebit   WalletTxKind = "ESCROW_DEBIT"
	WalletEscrowRefund  WalletTxKind = "ESCROW_REFUND"
	WalletTradeCredit   WalletTxKind = "TRADE_CREDIT"
	WalletReferralBonus WalletTxKind = "REFERRAL_BONUS"
	WalletDeposit       WalletTxKind = "DEPOSIT"
)

// Wallet holds a user's spendable coin balance
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WalletTransaction is the audit row written with every balance change
type WalletTransaction struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         WalletTxKind    `json:"kind"`
	Amount       decimal.Decimal `json:"amount"` // signed
	BalanceAfter decimal.Decimal `json:"balance_after"`
	RelatedID    string          `json:"related_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
