package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hipo/sharemarket/internal/contracts"
)

func (s *state) GetCommunity(_ context.Context, id uuid.UUID) (*contracts.Community, error) {
	c, ok := s.communities[id]
	if !ok {
		return nil, fmt.Errorf("community %s: %w", id, contracts.ErrNotFound)
	}
	return &c, nil
}

func (s *state) GetCommunityByCreator(_ context.Context, creatorID string) (*contracts.Community, error) {
	for _, c := range s.communities {
		if c.CreatorID == creatorID {
			found := c
			return &found, nil
		}
	}
	return nil, fmt.Errorf("community for %s: %w", creatorID, contracts.ErrNotFound)
}

func (s *state) ListCommunities(_ context.Context, activeOnly bool) ([]contracts.Community, error) {
	var out []contracts.Community
	for _, c := range s.communities {
		if activeOnly && !c.IsActive {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatorID < out[j].CreatorID
	})
	return out, nil
}

func (s *state) ListMembers(_ context.Context, communityID uuid.UUID) ([]contracts.CommunityMember, error) {
	var out []contracts.CommunityMember
	for _, m := range s.members[communityID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *state) ListAdminTerms(_ context.Context, communityID uuid.UUID) ([]contracts.AdminTerm, error) {
	var out []contracts.AdminTerm
	for _, t := range s.terms {
		if t.CommunityID == communityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *state) InsertCommunity(_ context.Context, c *contracts.Community) error {
	for _, existing := range s.communities {
		if existing.CreatorID == c.CreatorID {
			return fmt.Errorf("%w: %s already hosts a community", contracts.ErrInvalidInput, c.CreatorID)
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.communities[c.ID] = *c
	return nil
}

func (s *state) LockCommunity(ctx context.Context, id uuid.UUID) (*contracts.Community, error) {
	return s.GetCommunity(ctx, id)
}

func (s *state) UpsertMember(_ context.Context, m *contracts.CommunityMember) error {
	if _, ok := s.communities[m.CommunityID]; !ok {
		return fmt.Errorf("community %s: %w", m.CommunityID, contracts.ErrNotFound)
	}
	if s.members[m.CommunityID] == nil {
		s.members[m.CommunityID] = make(map[string]contracts.CommunityMember)
	}
	s.members[m.CommunityID][m.UserID] = *m
	return nil
}

func (s *state) UpdateMemberShareholding(_ context.Context, communityID uuid.UUID, userID string, qty int64) (bool, error) {
	m, ok := s.members[communityID][userID]
	if !ok {
		return false, nil
	}
	m.CurrentShareholding = qty
	s.members[communityID][userID] = m
	return true, nil
}

func (s *state) closeActiveTerm(communityID uuid.UUID, at time.Time, reason string) {
	for i, t := range s.terms {
		if t.CommunityID != communityID || !t.IsActive {
			continue
		}
		removedAt := at
		t.IsActive = false
		t.RemovedAt = &removedAt
		t.RemovalReason = reason
		t.DaysServed = int(removedAt.Sub(t.AppointedAt) / (24 * time.Hour))
		s.terms[i] = t
	}
}

func (s *state) AppointAdmin(_ context.Context, term contracts.AdminTerm) error {
	c, ok := s.communities[term.CommunityID]
	if !ok {
		return fmt.Errorf("community %s: %w", term.CommunityID, contracts.ErrNotFound)
	}

	s.closeActiveTerm(term.CommunityID, term.AppointedAt, contracts.RemovalAutoReplaced)
	term.IsActive = true
	s.terms = append(s.terms, term)

	c.CurrentAdminID = term.UserID
	s.communities[c.ID] = c
	return nil
}

func (s *state) VacateAdmin(_ context.Context, communityID uuid.UUID, at time.Time, reason string) error {
	c, ok := s.communities[communityID]
	if !ok {
		return fmt.Errorf("community %s: %w", communityID, contracts.ErrNotFound)
	}

	s.closeActiveTerm(communityID, at, reason)
	c.CurrentAdminID = ""
	s.communities[c.ID] = c
	return nil
}

func (s *state) ListBadges(_ context.Context, userID string) ([]contracts.ShareholderBadge, error) {
	var out []contracts.ShareholderBadge
	for k, b := range s.badges {
		if k.userID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

func (s *state) ReplaceBadge(_ context.Context, userID, targetID, tier string, at time.Time) error {
	key := pairKey{userID, targetID}
	if tier == "" {
		delete(s.badges, key)
		return nil
	}
	if existing, ok := s.badges[key]; ok && existing.Tier == tier {
		return nil
	}
	s.badges[key] = contracts.ShareholderBadge{UserID: userID, TargetID: targetID, Tier: tier, AwardedAt: at}
	return nil
}

func (s *state) GetReferralByReferred(_ context.Context, userID string) (*contracts.Referral, error) {
	r, ok := s.referrals[userID]
	if !ok {
		return nil, fmt.Errorf("referral for %s: %w", userID, contracts.ErrNotFound)
	}
	return &r, nil
}

func (s *state) ListReferralsByReferrer(_ context.Context, referrerID string) ([]contracts.Referral, error) {
	var out []contracts.Referral
	for _, r := range s.referrals {
		if r.ReferrerID == referrerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ReferredUserID < out[j].ReferredUserID
	})
	return out, nil
}

func (s *state) ListReferralCommissions(_ context.Context, referrerID string) ([]contracts.ReferralCommission, error) {
	var out []contracts.ReferralCommission
	for _, c := range s.commissions {
		if c.ReferrerID == referrerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *state) InsertReferral(_ context.Context, r *contracts.Referral) error {
	if _, exists := s.referrals[r.ReferredUserID]; exists {
		return fmt.Errorf("%w: %s already has a referrer", contracts.ErrInvalidInput, r.ReferredUserID)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.referrals[r.ReferredUserID] = *r
	return nil
}

func (s *state) LockReferralByReferred(ctx context.Context, userID string) (*contracts.Referral, error) {
	return s.GetReferralByReferred(ctx, userID)
}

func (s *state) UpdateReferral(_ context.Context, r *contracts.Referral) error {
	if _, exists := s.referrals[r.ReferredUserID]; !exists {
		return fmt.Errorf("referral for %s: %w", r.ReferredUserID, contracts.ErrNotFound)
	}
	s.referrals[r.ReferredUserID] = *r
	return nil
}

func (s *state) InsertReferralCommission(_ context.Context, c *contracts.ReferralCommission) (bool, error) {
	if s.paidTrades[c.TradeID] {
		return false, nil
	}
	s.paidTrades[c.TradeID] = true
	s.commissions = append(s.commissions, *c)
	return true, nil
}

func (s *state) GetQuotaUsage(_ context.Context, userID, targetID string, kind contracts.QuotaKind, month string) (int, error) {
	return s.quotas[quotaKey{userID, targetID, kind, month}], nil
}

func (s *state) IncrementQuota(_ context.Context, userID, targetID string, kind contracts.QuotaKind, month string, limit int) (int, error) {
	key := quotaKey{userID, targetID, kind, month}
	used := s.quotas[key]
	if limit >= 0 && used >= limit {
		return used, fmt.Errorf("%w: %s quota for %s exhausted for %s (%d/%d)",
			contracts.ErrForbidden, kind, targetID, month, used, limit)
	}
	s.quotas[key] = used + 1
	return used + 1, nil
}
