package cascade

import (
	"context"
	"time"

	"github.com/hipo/sharemarket/internal/community"
	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/shareholder"
)

// Handler names, used as the metrics label
const (
	HandlerBadges     = "badges"
	HandlerLeadership = "leadership"
	HandlerReferral   = "referral"
	HandlerBroadcast  = "broadcast"
)

// participants returns buyer and seller once each
func participants(event contracts.TradeSettled) []string {
	if event.BuyerID == event.SellerID {
		return []string{event.BuyerID}
	}
	return []string{event.BuyerID, event.SellerID}
}

// BadgeSync sets buyer and seller badges to their tier for the target
type BadgeSync struct {
	store contracts.Store
	now   func() time.Time
}

// NewBadgeSync creates the badge handler
func NewBadgeSync(store contracts.Store) *BadgeSync {
	return &BadgeSync{store: store, now: time.Now}
}

func (h *BadgeSync) Name() string { return HandlerBadges }

func (h *BadgeSync) Handle(ctx context.Context, event contracts.TradeSettled) error {
	at := h.now()
	return h.store.InTx(ctx, func(tx contracts.Tx) error {
		for _, userID := range participants(event) {
			if _, err := shareholder.SyncBadge(ctx, tx, userID, event.TargetID, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// Leadership refreshes the target community's snapshots and re-elects
type Leadership struct {
	communities *community.Service
}

// NewLeadership creates the leadership handler
func NewLeadership(communities *community.Service) *Leadership {
	return &Leadership{communities: communities}
}

func (h *Leadership) Name() string { return HandlerLeadership }

func (h *Leadership) Handle(ctx context.Context, event contracts.TradeSettled) error {
	_, err := h.communities.SyncShareholding(ctx, event.TargetID, participants(event)...)
	return err
}

// CommissionPayer pays referral commissions
type CommissionPayer interface {
	PayCommission(ctx context.Context, event contracts.TradeSettled) (*contracts.ReferralCommission, error)
}

// ReferralCommission pays the buyer's referrer
type ReferralCommission struct {
	payer CommissionPayer
}

// NewReferralCommission creates the referral handler
func NewReferralCommission(payer CommissionPayer) *ReferralCommission {
	return &ReferralCommission{payer: payer}
}

func (h *ReferralCommission) Name() string { return HandlerReferral }

func (h *ReferralCommission) Handle(ctx context.Context, event contracts.TradeSettled) error {
	_, err := h.payer.PayCommission(ctx, event)
	return err
}

// Publisher pushes settled trades to live subscribers
type Publisher interface {
	PublishTrade(event contracts.TradeSettled)
}

// Broadcast forwards events to a Publisher. Delivery is best effort.
type Broadcast struct {
	pub Publisher
}

// NewBroadcast creates the broadcast handler
func NewBroadcast(pub Publisher) *Broadcast {
	return &Broadcast{pub: pub}
}

func (h *Broadcast) Name() string { return HandlerBroadcast }

func (h *Broadcast) Handle(_ context.Context, event contracts.TradeSettled) error {
	h.pub.PublishTrade(event)
	return nil
}
