package memory

import (
	"time"

	"github.com/google/uuid"

	"github.com/hipo/sharemarket/internal/contracts"
)

type pairKey struct {
	userID   string
	targetID string
}

type quotaKey struct {
	userID   string
	targetID string
	kind     contracts.QuotaKind
	month    string
}

// state is one consistent snapshot of every table. A transaction works on a
// clone and the clone replaces the committed state on success.
type state struct {
	now func() time.Time

	orders   map[uuid.UUID]contracts.Order
	orderSeq int64
	trades   []contracts.Trade

	ledger   []contracts.LedgerEntry
	holdings map[pairKey]contracts.Holding

	wallets   map[string]contracts.Wallet
	walletTxs []contracts.WalletTransaction

	events   []contracts.OutboxEvent
	eventSeq int64

	communities map[uuid.UUID]contracts.Community
	members     map[uuid.UUID]map[string]contracts.CommunityMember
	terms       []contracts.AdminTerm
	badges      map[pairKey]contracts.ShareholderBadge

	referrals   map[string]contracts.Referral // by referred user
	commissions []contracts.ReferralCommission
	paidTrades  map[uuid.UUID]bool

	quotas map[quotaKey]int
}

func newState(now func() time.Time) *state {
	return &state{
		now:         now,
		orders:      make(map[uuid.UUID]contracts.Order),
		holdings:    make(map[pairKey]contracts.Holding),
		wallets:     make(map[string]contracts.Wallet),
		communities: make(map[uuid.UUID]contracts.Community),
		members:     make(map[uuid.UUID]map[string]contracts.CommunityMember),
		badges:      make(map[pairKey]contracts.ShareholderBadge),
		referrals:   make(map[string]contracts.Referral),
		paidTrades:  make(map[uuid.UUID]bool),
		quotas:      make(map[quotaKey]int),
	}
}

func (s *state) clone() *state {
	c := &state{
		now:         s.now,
		orders:      cloneMap(s.orders),
		orderSeq:    s.orderSeq,
		trades:      cloneSlice(s.trades),
		ledger:      cloneSlice(s.ledger),
		holdings:    cloneMap(s.holdings),
		wallets:     cloneMap(s.wallets),
		walletTxs:   cloneSlice(s.walletTxs),
		events:      cloneSlice(s.events),
		eventSeq:    s.eventSeq,
		communities: cloneMap(s.communities),
		members:     make(map[uuid.UUID]map[string]contracts.CommunityMember, len(s.members)),
		terms:       cloneSlice(s.terms),
		badges:      cloneMap(s.badges),
		referrals:   cloneMap(s.referrals),
		commissions: cloneSlice(s.commissions),
		paidTrades:  cloneMap(s.paidTrades),
		quotas:      cloneMap(s.quotas),
	}
	for id, m := range s.members {
		c.members[id] = cloneMap(m)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func limitSlice[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
