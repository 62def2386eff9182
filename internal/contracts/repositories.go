package contracts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ⭐ SSOT: persistence interfaces are defined only here.
// internal/store/postgres and internal/store/memory implement them.

// Store is the transactional persistence boundary of the market core
type Store interface {
	Reader
	Outbox

	// InTx runs fn as one atomic unit. Any error returned by fn (or by the
	// commit) rolls back every write fn made.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader is the non-locking read side
type Reader interface {
	OrderReader
	LedgerReader
	WalletReader
	SocialReader
}

// Tx is the write side, valid only inside Store.InTx
type Tx interface {
	Reader
	OrderTx
	LedgerTx
	WalletTx
	SocialTx

	// EnqueueEvent writes a TradeSettled to the outbox in this transaction
	EnqueueEvent(ctx context.Context, event TradeSettled) error
}

// OrderReader reads orders and trades
type OrderReader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// ListOrdersByOwner returns newest first; empty status means all
	ListOrdersByOwner(ctx context.Context, ownerID string, status OrderStatus) ([]Order, error)
	// ListOpenOrders returns PENDING/PARTIAL orders not yet expired at now
	ListOpenOrders(ctx context.Context, targetID string, now time.Time) ([]Order, error)
	// ListExpiredOrderIDs returns open orders whose expiresAt <= now, oldest first
	ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	// ListTrades returns newest first
	ListTrades(ctx context.Context, targetID string, limit int) ([]Trade, error)
}

// LedgerReader reads ownership state
type LedgerReader interface {
	// GetHolding returns a zero Holding when the pair has never traded
	GetHolding(ctx context.Context, userID, targetID string) (Holding, error)
	ListHoldings(ctx context.Context) ([]Holding, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]Holding, error)
	// SumLedger recomputes Σ(to=user) − Σ(from=user) from the raw ledger
	SumLedger(ctx context.Context, userID, targetID string) (int64, error)
	ListLedger(ctx context.Context, userID, targetID string, limit int) ([]LedgerEntry, error)
}

// WalletReader reads balances
type WalletReader interface {
	// GetWallet returns a zero-balance wallet when none exists
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	ListWalletTransactions(ctx context.Context, userID string, limit int) ([]WalletTransaction, error)
}

// SocialReader reads the collaborator-owned state the cascade maintains
type SocialReader interface {
	GetCommunity(ctx context.Context, id uuid.UUID) (*Community, error)
	GetCommunityByCreator(ctx context.Context, creatorID string) (*Community, error)
	ListCommunities(ctx context.Context, activeOnly bool) ([]Community, error)
	ListMembers(ctx context.Context, communityID uuid.UUID) ([]CommunityMember, error)
	ListAdminTerms(ctx context.Context, communityID uuid.UUID) ([]AdminTerm, error)
	ListBadges(ctx context.Context, userID string) ([]ShareholderBadge, error)
	GetReferralByReferred(ctx context.Context, userID string) (*Referral, error)
	ListReferralsByReferrer(ctx context.Context, referrerID string) ([]Referral, error)
	ListReferralCommissions(ctx context.Context, referrerID string) ([]ReferralCommission, error)
	GetQuotaUsage(ctx context.Context, userID, targetID string, kind QuotaKind, month string) (int, error)
}

// OrderTx mutates orders and trades
type OrderTx interface {
	// LockTarget serializes match units for one target's book
	LockTarget(ctx context.Context, targetID string) error
	// LockOrder loads an order and holds its row lock until commit
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// NextResting locks and returns the best eligible resting order for
	// aggressor (opposite side, same target, open, unexpired at now,
	// price-compatible, best price then earliest creation), skipping the
	// ids in exclude. It returns nil, nil when the book has no candidate.
	NextResting(ctx context.Context, aggressor *Order, now time.Time, exclude []uuid.UUID) (*Order, error)
	// InsertOrder stores a new order and assigns its Seq
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	InsertTrade(ctx context.Context, t *Trade) error
}

// LedgerTx appends ownership changes and moves reservation counters.
// Counters change with single atomic increments, never read-then-write.
type LedgerTx interface {
	// AppendLedger appends e and applies it to the holdings counters.
	// It fails with ErrInsufficientHoldings when the from side's available
	// (quantity − reserved) is below e.Quantity.
	AppendLedger(ctx context.Context, e *LedgerEntry) error
	// ReserveHolding fails with ErrInsufficientHoldings when available < qty
	ReserveHolding(ctx context.Context, userID, targetID string, qty int64) error
	// ReleaseHolding fails with ErrConcurrencyConflict when reserved < qty
	ReleaseHolding(ctx context.Context, userID, targetID string, qty int64) error
}

// WalletTx moves coins. Both calls return the balance after the change.
type WalletTx interface {
	// DebitWallet fails with ErrInsufficientFunds when balance < amount
	DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	// CreditWallet creates the wallet when missing
	CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	InsertWalletTransaction(ctx context.Context, t *WalletTransaction) error
}

// SocialTx mutates community, badge, referral and quota state
type SocialTx interface {
	InsertCommunity(ctx context.Context, c *Community) error
	LockCommunity(ctx context.Context, id uuid.UUID) (*Community, error)
	UpsertMember(ctx context.Context, m *CommunityMember) error
	// UpdateMemberShareholding reports false when userID is not a member
	UpdateMemberShareholding(ctx context.Context, communityID uuid.UUID, userID string, qty int64) (bool, error)
	// AppointAdmin closes the active term (AUTO_REPLACED) and opens term
	AppointAdmin(ctx context.Context, term AdminTerm) error
	// VacateAdmin closes the active term with reason and leaves the
	// community without a leader
	VacateAdmin(ctx context.Context, communityID uuid.UUID, at time.Time, reason string) error

	// ReplaceBadge makes tier the only shareholder badge for (user, target);
	// an empty tier removes all of them
	ReplaceBadge(ctx context.Context, userID, targetID, tier string, at time.Time) error

	InsertReferral(ctx context.Context, r *Referral) error
	LockReferralByReferred(ctx context.Context, userID string) (*Referral, error)
	UpdateReferral(ctx context.Context, r *Referral) error
	// InsertReferralCommission reports false when the trade was already paid
	InsertReferralCommission(ctx context.Context, c *ReferralCommission) (bool, error)

	// IncrementQuota bumps the monthly counter and returns the new count,
	// failing with ErrForbidden when the count already reached limit.
	// A negative limit means unlimited.
	IncrementQuota(ctx context.Context, userID, targetID string, kind QuotaKind, month string, limit int) (int, error)
}

// Outbox delivers TradeSettled events after commit
type Outbox interface {
	// ClaimEvents leases up to limit due events (PENDING, or PROCESSING
	// with an expired lease) and bumps their attempt counters
	ClaimEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxEvent, error)
	CompleteEvent(ctx context.Context, id int64) error
	// RetryEvent reschedules the event and records which handlers succeeded
	RetryEvent(ctx context.Context, id int64, nextAttemptAt time.Time, lastErr string, delivered []string) error
	DeadEvent(ctx context.Context, id int64, lastErr string) error
	ListEvents(ctx context.Context, status EventStatus, limit int) ([]OutboxEvent, error)
}
