package shareholder

import (
	"context"
	"fmt"
	"time"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

// Status is a user's standing with one target
type Status struct {
	UserID      string      `json:"user_id"`
	TargetID    string      `json:"target_id"`
	Position    int64       `json:"position"`
	Available   int64       `json:"available"`
	Tier        Tier        `json:"tier"`
	Permissions Permissions `json:"permissions"`
}

// QuotaCheck reports a monthly quota. Limit is Unlimited for no cap.
type QuotaCheck struct {
	Kind         contracts.QuotaKind `json:"kind"`
	Month        string              `json:"month"`
	Allowed      bool                `json:"allowed"`
	Limit        int                 `json:"limit"`
	Used         int                 `json:"used"`
	ReadReceipts bool                `json:"read_receipts,omitempty"`
}

// Service answers permission checks for the social collaborators
type Service struct {
	store  contracts.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a shareholder service
func NewService(store contracts.Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("shareholder"),
		now:    time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Status returns position, tier and permissions of user for target
func (s *Service) Status(ctx context.Context, userID, targetID string) (*Status, error) {
	if userID == "" || targetID == "" {
		return nil, fmt.Errorf("%w: user and target are required", contracts.ErrInvalidInput)
	}
	h, err := s.store.GetHolding(ctx, userID, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return statusOf(h), nil
}

func statusOf(h contracts.Holding) *Status {
	return &Status{
		UserID:      h.UserID,
		TargetID:    h.TargetID,
		Position:    h.Quantity,
		Available:   h.Available(),
		Tier:        TierOf(h.Quantity),
		Permissions: PermissionsOf(h.Quantity),
	}
}

// HasPermission reports whether user's tier for target includes permission
func (s *Service) HasPermission(ctx context.Context, userID, targetID, permission string) (bool, error) {
	st, err := s.Status(ctx, userID, targetID)
	if err != nil {
		return false, err
	}
	return st.Permissions.Has(permission), nil
}

// quotaLimit returns the cap for kind at position. Users commenting on their
// own content are never capped.
func quotaLimit(kind contracts.QuotaKind, userID, targetID string, position int64) (int, bool) {
	if kind == contracts.QuotaComment {
		if userID == targetID {
			return Unlimited, false
		}
		return PermissionsOf(position).MonthlyComments, false
	}
	return DMLimitOf(position)
}

func (s *Service) check(ctx context.Context, kind contracts.QuotaKind, userID, targetID string) (*QuotaCheck, error) {
	if userID == "" || targetID == "" {
		return nil, fmt.Errorf("%w: user and target are required", contracts.ErrInvalidInput)
	}
	h, err := s.store.GetHolding(ctx, userID, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}

	month := contracts.MonthKey(s.now())
	limit, receipts := quotaLimit(kind, userID, targetID, h.Quantity)
	used, err := s.store.GetQuotaUsage(ctx, userID, targetID, kind, month)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}

	return &QuotaCheck{
		Kind:         kind,
		Month:        month,
		Allowed:      limit == Unlimited || used < limit,
		Limit:        limit,
		Used:         used,
		ReadReceipts: receipts,
	}, nil
}

// consume counts one use against the monthly quota atomically with the
// position read, failing with ErrForbidden when the quota is exhausted
func (s *Service) consume(ctx context.Context, kind contracts.QuotaKind, userID, targetID string) (*QuotaCheck, error) {
	if userID == "" || targetID == "" {
		return nil, fmt.Errorf("%w: user and target are required", contracts.ErrInvalidInput)
	}

	month := contracts.MonthKey(s.now())
	result := &QuotaCheck{Kind: kind, Month: month}

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		h, err := tx.GetHolding(ctx, userID, targetID)
		if err != nil {
			return err
		}
		result.Limit, result.ReadReceipts = quotaLimit(kind, userID, targetID, h.Quantity)

		used, err := tx.IncrementQuota(ctx, userID, targetID, kind, month, result.Limit)
		result.Used = used
		return err
	})
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"user_id":   userID,
			"target_id": targetID,
			"kind":      kind,
			"used":      result.Used,
			"limit":     result.Limit,
		}).Debug("Quota rejected")
		return result, fmt.Errorf("failed to consume %s quota: %w", kind, err)
	}

	result.Allowed = true
	return result, nil
}

// CheckComment reports whether user may comment on target's content this month
func (s *Service) CheckComment(ctx context.Context, userID, targetID string) (*QuotaCheck, error) {
	return s.check(ctx, contracts.QuotaComment, userID, targetID)
}

// ConsumeComment records one comment against the monthly quota
func (s *Service) ConsumeComment(ctx context.Context, userID, targetID string) (*QuotaCheck, error) {
	return s.consume(ctx, contracts.QuotaComment, userID, targetID)
}

// CheckDM reports whether user may message target this month
func (s *Service) CheckDM(ctx context.Context, userID, targetID string) (*QuotaCheck, error) {
	return s.check(ctx, contracts.QuotaDM, userID, targetID)
}

// ConsumeDM records one direct message against the monthly quota
func (s *Service) ConsumeDM(ctx context.Context, userID, targetID string) (*QuotaCheck, error) {
	return s.consume(ctx, contracts.QuotaDM, userID, targetID)
}

// SyncBadge sets user's shareholder badge for target to exactly the tier of
// the current position, removing it for TierNone
func SyncBadge(ctx context.Context, tx contracts.Tx, userID, targetID string, at time.Time) (Tier, error) {
	h, err := tx.GetHolding(ctx, userID, targetID)
	if err != nil {
		return "", fmt.Errorf("failed to get holding: %w", err)
	}

	tier := TierOf(h.Quantity)
	badge := string(tier)
	if tier == TierNone {
		badge = ""
	}
	if err := tx.ReplaceBadge(ctx, userID, targetID, badge, at); err != nil {
		return "", fmt.Errorf("failed to replace badge: %w", err)
	}
	return tier, nil
}
