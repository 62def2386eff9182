package contracts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Community is a creator's shareholder room
type Community struct {
	ID             uuid.UUID `json:"id"`
	CreatorID      string    `json:"creator_id"` // the target whose shares gate the room
	Name           string    `json:"name"`
	CurrentAdminID string    `json:"current_admin_id,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// CommunityMember carries the cached shareholding used for leader election
type CommunityMember struct {
	CommunityID         uuid.UUID `json:"community_id"`
	UserID              string    `json:"user_id"`
	CurrentShareholding int64     `json:"current_shareholding"`
	ActivityScore       int64     `json:"activity_score"`
	JoinedAt            time.Time `json:"joined_at"`
	IsBanned            bool      `json:"is_banned"`
}

// AdminTerm records one leader appointment
type AdminTerm struct {
	CommunityID               uuid.UUID  `json:"community_id"`
	UserID                    string     `json:"user_id"`
	ShareholdingAtAppointment int64      `json:"shareholding_at_appointment"`
	AppointedAt               time.Time  `json:"appointed_at"`
	RemovedAt                 *time.Time `json:"removed_at,omitempty"`
	RemovalReason             string     `json:"removal_reason,omitempty"`
	DaysServed                int        `json:"days_served"`
	IsActive                  bool       `json:"is_active"`
}

// Removal reasons recorded on closed admin terms
const (
	// RemovalAutoReplaced marks a term ended by re-election
	RemovalAutoReplaced = "AUTO_REPLACED"
	// RemovalIneligible marks a term ended because the leader was banned,
	// sold out or left and nobody could take over
	RemovalIneligible = "INELIGIBLE"
)

// ReferralStatus of a referrer/referred pair
type ReferralStatus string

const (
	ReferralPending ReferralStatus = "PENDING"
	ReferralActive  ReferralStatus = "ACTIVE"
)

// Referral links a referred user to the referrer who earns commission
type Referral struct {
	ID              uuid.UUID       `json:"id"`
	ReferrerID      string          `json:"referrer_id"`
	ReferredUserID  string          `json:"referred_user_id"`
	Status          ReferralStatus  `json:"status"`
	FirstPurchaseAt *time.Time      `json:"first_purchase_at,omitempty"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ReferralCommission is the audit row for one payout, unique per trade
type ReferralCommission struct {
	TradeID    uuid.UUID       `json:"trade_id"`
	ReferralID uuid.UUID       `json:"referral_id"`
	ReferrerID string          `json:"referrer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Rate       decimal.Decimal `json:"rate"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ShareholderBadge is the tier badge a user displays for one target
type ShareholderBadge struct {
	UserID    string    `json:"user_id"`
	TargetID  string    `json:"target_id"`
	Tier      string    `json:"tier"`
	AwardedAt time.Time `json:"awarded_at"`
}

// QuotaKind names a monthly social quota
type QuotaKind string

const (
	QuotaComment QuotaKind = "COMMENT"
	QuotaDM      QuotaKind = "DM"
)

// MonthKey is the calendar-month counter key; counters reset when it changes
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
