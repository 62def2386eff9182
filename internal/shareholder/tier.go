// Package shareholder turns positions into tiers and gates the social
// privileges that tiers unlock.
package shareholder

// Tier is a permission level derived from position thresholds
type Tier string

const (
	TierNone      Tier = "NONE"
	TierGeneral   Tier = "GENERAL"
	TierExcellent Tier = "EXCELLENT"
	TierMajor     Tier = "MAJOR"
	TierLargest   Tier = "LARGEST"
)

// Unlimited marks a quota with no monthly cap
const Unlimited = -1

// Permissions granted by a tier
type Permissions struct {
	MonthlyComments    int  `json:"monthly_comments"` // Unlimited for no cap
	ViewPremiumContent bool `json:"view_premium_content"`
	WeeklyQA           bool `json:"weekly_qa"`
	DirectMessage      bool `json:"direct_message"`
	MonthlyVideoCall   bool `json:"monthly_video_call"`
	PhoneCall          bool `json:"phone_call"`
	OfflineMeeting     bool `json:"offline_meeting"`
	VotingRight        bool `json:"voting_right"`
}

// TierSpec is one row of the tier table
type TierSpec struct {
	Tier        Tier        `json:"tier"`
	MinUnits    int64       `json:"min_units"`
	Permissions Permissions `json:"permissions"`
}

// tiers is ordered high to low; the first row whose MinUnits the position
// reaches wins
// ⭐ SSOT: tier thresholds and permissions are defined only here
var tiers = []TierSpec{
	{
		Tier:     TierLargest,
		MinUnits: 10000,
		Permissions: Permissions{
			MonthlyComments:    Unlimited,
			ViewPremiumContent: true,
			WeeklyQA:           true,
			DirectMessage:      true,
			MonthlyVideoCall:   true,
			PhoneCall:          true,
			OfflineMeeting:     true,
			VotingRight:        true,
		},
	},
	{
		Tier:     TierMajor,
		MinUnits: 1000,
		Permissions: Permissions{
			MonthlyComments:    Unlimited,
			ViewPremiumContent: true,
			WeeklyQA:           true,
			DirectMessage:      true,
			MonthlyVideoCall:   true,
		},
	},
	{
		Tier:     TierExcellent,
		MinUnits: 100,
		Permissions: Permissions{
			MonthlyComments:    Unlimited,
			ViewPremiumContent: true,
			WeeklyQA:           true,
		},
	},
	{
		Tier:     TierGeneral,
		MinUnits: 1,
		Permissions: Permissions{
			MonthlyComments: 1,
		},
	},
	{
		Tier:     TierNone,
		MinUnits: 0,
	},
}

// Tiers returns the tier table, highest first
func Tiers() []TierSpec {
	return append([]TierSpec(nil), tiers...)
}

// TierOf maps a position to its tier
func TierOf(position int64) Tier {
	return specOf(position).Tier
}

// PermissionsOf maps a position to the permissions of its tier
func PermissionsOf(position int64) Permissions {
	return specOf(position).Permissions
}

func specOf(position int64) TierSpec {
	for _, spec := range tiers {
		if position >= spec.MinUnits {
			return spec
		}
	}
	return tiers[len(tiers)-1]
}

// Has reports whether p includes the named permission
func (p Permissions) Has(name string) bool {
	switch name {
	case "monthlyComments", "monthly_comments":
		return p.MonthlyComments != 0
	case "viewPremiumContent", "view_premium_content":
		return p.ViewPremiumContent
	case "weeklyQA", "weekly_qa":
		return p.WeeklyQA
	case "directMessage", "direct_message":
		return p.DirectMessage
	case "monthlyVideoCall", "monthly_video_call":
		return p.MonthlyVideoCall
	case "phoneCall", "phone_call":
		return p.PhoneCall
	case "offlineMeeting", "offline_meeting":
		return p.OfflineMeeting
	case "votingRight", "voting_right":
		return p.VotingRight
	default:
		return false
	}
}

// DM thresholds: below dmMinUnits messaging is blocked, from dmFullUnits it
// is unlimited with read receipts, in between one message per month
const (
	dmMinUnits       = 100
	dmFullUnits      = 1000
	dmMonthlyLimited = 1
)

// DMLimitOf returns the monthly DM allowance for a position
func DMLimitOf(position int64) (limit int, readReceipts bool) {
	switch {
	case position >= dmFullUnits:
		return Unlimited, true
	case position >= dmMinUnits:
		return dmMonthlyLimited, false
	default:
		return 0, false
	}
}
