package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hipo/sharemarket/internal/contracts"
)

const communityColumns = `id, creator_id, name, current_admin_id, is_active, created_at`

func scanCommunity(row pgx.Row) (*contracts.Community, error) {
	var c contracts.Community
	if err := row.Scan(&c.ID, &c.CreatorID, &c.Name, &c.CurrentAdminID, &c.IsActive, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *queries) community(ctx context.Context, query string, arg any, what string) (*contracts.Community, error) {
	c, err := scanCommunity(r.q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("community %s: %w", what, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", mapError(err))
	}
	return c, nil
}

func (r *queries) GetCommunity(ctx context.Context, id uuid.UUID) (*contracts.Community, error) {
	return r.community(ctx, `SELECT `+communityColumns+` FROM communities WHERE id = $1`, id, id.String())
}

func (r *queries) GetCommunityByCreator(ctx context.Context, creatorID string) (*contracts.Community, error) {
	return r.community(ctx, `SELECT `+communityColumns+` FROM communities WHERE creator_id = $1`, creatorID, "for "+creatorID)
}

func (r *queries) ListCommunities(ctx context.Context, activeOnly bool) ([]contracts.Community, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+communityColumns+`
		FROM communities
		WHERE NOT $1 OR is_active
		ORDER BY created_at, creator_id
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query communities: %w", err)
	}
	defer rows.Close()

	var out []contracts.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *queries) ListMembers(ctx context.Context, communityID uuid.UUID) ([]contracts.CommunityMember, error) {
	rows, err := r.q.Query(ctx, `
		SELECT community_id, user_id, current_shareholding, activity_score, joined_at, is_banned
		FROM community_members
		WHERE community_id = $1
		ORDER BY joined_at, user_id
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var out []contracts.CommunityMember
	for rows.Next() {
		var m contracts.CommunityMember
		if err := rows.Scan(&m.CommunityID, &m.UserID, &m.CurrentShareholding, &m.ActivityScore, &m.JoinedAt, &m.IsBanned); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *queries) ListAdminTerms(ctx context.Context, communityID uuid.UUID) ([]contracts.AdminTerm, error) {
	rows, err := r.q.Query(ctx, `
		SELECT community_id, user_id, shareholding_at_appointment, appointed_at,
			removed_at, removal_reason, days_served, is_active
		FROM community_admins
		WHERE community_id = $1
		ORDER BY id
	`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin terms: %w", err)
	}
	defer rows.Close()

	var out []contracts.AdminTerm
	for rows.Next() {
		var t contracts.AdminTerm
		if err := rows.Scan(&t.CommunityID, &t.UserID, &t.ShareholdingAtAppointment, &t.AppointedAt,
			&t.RemovedAt, &t.RemovalReason, &t.DaysServed, &t.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan admin term: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (t *txn) InsertCommunity(ctx context.Context, c *contracts.Community) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO communities (`+communityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.CreatorID, c.Name, c.CurrentAdminID, c.IsActive, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already hosts a community", contracts.ErrInvalidInput, c.CreatorID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert community: %w", mapError(err))
	}
	return nil
}

func (t *txn) LockCommunity(ctx context.Context, id uuid.UUID) (*contracts.Community, error) {
	return t.community(ctx, `SELECT `+communityColumns+` FROM communities WHERE id = $1 FOR UPDATE`, id, id.String())
}

func (t *txn) UpsertMember(ctx context.Context, m *contracts.CommunityMember) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO community_members (community_id, user_id, current_shareholding, activity_score, joined_at, is_banned)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (community_id, user_id) DO UPDATE SET
			current_shareholding = EXCLUDED.current_shareholding,
			activity_score = EXCLUDED.activity_score,
			joined_at = EXCLUDED.joined_at,
			is_banned = EXCLUDED.is_banned
	`, m.CommunityID, m.UserID, m.CurrentShareholding, m.ActivityScore, m.JoinedAt, m.IsBanned)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", mapError(err))
	}
	return nil
}

func (t *txn) UpdateMemberShareholding(ctx context.Context, communityID uuid.UUID, userID string, qty int64) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE community_members
		SET current_shareholding = $3
		WHERE community_id = $1 AND user_id = $2
	`, communityID, userID, qty)
	if err != nil {
		return false, fmt.Errorf("failed to update shareholding: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txn) closeActiveTerm(ctx context.Context, communityID uuid.UUID, at time.Time, reason string) error {
	_, err := t.q.Exec(ctx, `
		UPDATE community_admins
		SET is_active = FALSE,
			removed_at = $2,
			removal_reason = $3,
			days_served = FLOOR(EXTRACT(EPOCH FROM ($2 - appointed_at)) / 86400)::INT
		WHERE community_id = $1 AND is_active
	`, communityID, at, reason)
	if err != nil {
		return fmt.Errorf("failed to close admin term: %w", mapError(err))
	}
	return nil
}

func (t *txn) setCommunityAdmin(ctx context.Context, communityID uuid.UUID, userID string) error {
	tag, err := t.q.Exec(ctx, `UPDATE communities SET current_admin_id = $2 WHERE id = $1`, communityID, userID)
	if err != nil {
		return fmt.Errorf("failed to set community admin: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("community %s: %w", communityID, contracts.ErrNotFound)
	}
	return nil
}

func (t *txn) VacateAdmin(ctx context.Context, communityID uuid.UUID, at time.Time, reason string) error {
	if err := t.closeActiveTerm(ctx, communityID, at, reason); err != nil {
		return err
	}
	return t.setCommunityAdmin(ctx, communityID, "")
}

func (t *txn) AppointAdmin(ctx context.Context, term contracts.AdminTerm) error {
	if err := t.closeActiveTerm(ctx, term.CommunityID, term.AppointedAt, contracts.RemovalAutoReplaced); err != nil {
		return err
	}

	if _, err := t.q.Exec(ctx, `
		INSERT INTO community_admins (community_id, user_id, shareholding_at_appointment, appointed_at, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
	`, term.CommunityID, term.UserID, term.ShareholdingAtAppointment, term.AppointedAt); err != nil {
		return fmt.Errorf("failed to open admin term: %w", mapError(err))
	}

	return t.setCommunityAdmin(ctx, term.CommunityID, term.UserID)
}

func (r *queries) ListBadges(ctx context.Context, userID string) ([]contracts.ShareholderBadge, error) {
	rows, err := r.q.Query(ctx, `
		SELECT user_id, target_id, tier, awarded_at
		FROM user_badges
		WHERE user_id = $1
		ORDER BY target_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer rows.Close()

	var out []contracts.ShareholderBadge
	for rows.Next() {
		var b contracts.ShareholderBadge
		if err := rows.Scan(&b.UserID, &b.TargetID, &b.Tier, &b.AwardedAt); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *txn) ReplaceBadge(ctx context.Context, userID, targetID, tier string, at time.Time) error {
	if tier == "" {
		if _, err := t.q.Exec(ctx, `DELETE FROM user_badges WHERE user_id = $1 AND target_id = $2`, userID, targetID); err != nil {
			return fmt.Errorf("failed to remove badge: %w", mapError(err))
		}
		return nil
	}

	// awarded_at only moves when the tier changes
	_, err := t.q.Exec(ctx, `
		INSERT INTO user_badges (user_id, target_id, tier, awarded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, target_id) DO UPDATE
		SET tier = EXCLUDED.tier, awarded_at = EXCLUDED.awarded_at
		WHERE user_badges.tier <> EXCLUDED.tier
	`, userID, targetID, tier, at)
	if err != nil {
		return fmt.Errorf("failed to replace badge: %w", mapError(err))
	}
	return nil
}

const referralColumns = `id, referrer_id, referred_user_id, status, first_purchase_at, total_commission, created_at`

func scanReferral(row pgx.Row) (*contracts.Referral, error) {
	var r contracts.Referral
	if err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredUserID, &r.Status, &r.FirstPurchaseAt, &r.TotalCommission, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *queries) referralByReferred(ctx context.Context, userID string, lock bool) (*contracts.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE referred_user_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	ref, err := scanReferral(r.q.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("referral for %s: %w", userID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", mapError(err))
	}
	return ref, nil
}

func (r *queries) GetReferralByReferred(ctx context.Context, userID string) (*contracts.Referral, error) {
	return r.referralByReferred(ctx, userID, false)
}

func (r *queries) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]contracts.Referral, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE referrer_id = $1
		ORDER BY created_at, referred_user_id
	`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var out []contracts.Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		out = append(out, *ref)
	}
	return out, rows.Err()
}

func (r *queries) ListReferralCommissions(ctx context.Context, referrerID string) ([]contracts.ReferralCommission, error) {
	rows, err := r.q.Query(ctx, `
		SELECT trade_id, referral_id, referrer_id, amount, rate, created_at
		FROM referral_commissions
		WHERE referrer_id = $1
		ORDER BY created_at, trade_id
	`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commissions: %w", err)
	}
	defer rows.Close()

	var out []contracts.ReferralCommission
	for rows.Next() {
		var c contracts.ReferralCommission
		if err := rows.Scan(&c.TradeID, &c.ReferralID, &c.ReferrerID, &c.Amount, &c.Rate, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commission: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *txn) InsertReferral(ctx context.Context, ref *contracts.Referral) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ref.ID, ref.ReferrerID, ref.ReferredUserID, string(ref.Status), ref.FirstPurchaseAt, ref.TotalCommission, ref.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already has a referrer", contracts.ErrInvalidInput, ref.ReferredUserID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert referral: %w", mapError(err))
	}
	return nil
}

func (t *txn) LockReferralByReferred(ctx context.Context, userID string) (*contracts.Referral, error) {
	return t.referralByReferred(ctx, userID, true)
}

func (t *txn) UpdateReferral(ctx context.Context, ref *contracts.Referral) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE referrals
		SET status = $2, first_purchase_at = $3, total_commission = $4
		WHERE referred_user_id = $1
	`, ref.ReferredUserID, string(ref.Status), ref.FirstPurchaseAt, ref.TotalCommission)
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral for %s: %w", ref.ReferredUserID, contracts.ErrNotFound)
	}
	return nil
}

func (t *txn) InsertReferralCommission(ctx context.Context, c *contracts.ReferralCommission) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO referral_commissions (trade_id, referral_id, referrer_id, amount, rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trade_id) DO NOTHING
	`, c.TradeID, c.ReferralID, c.ReferrerID, c.Amount, c.Rate, c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert commission: %w", mapError(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *queries) GetQuotaUsage(ctx context.Context, userID, targetID string, kind contracts.QuotaKind, month string) (int, error) {
	var used int
	err := r.q.QueryRow(ctx, `
		SELECT used FROM monthly_quotas
		WHERE user_id = $1 AND target_id = $2 AND kind = $3 AND month = $4
	`, userID, targetID, string(kind), month).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get quota usage: %w", mapError(err))
	}
	return used, nil
}

// IncrementQuota bumps the counter only while it is below limit, so two
// concurrent consumers cannot both take the last slot
func (t *txn) IncrementQuota(ctx context.Context, userID, targetID string, kind contracts.QuotaKind, month string, limit int) (int, error) {
	if limit == 0 {
		return 0, fmt.Errorf("%w: no %s quota for %s", contracts.ErrForbidden, kind, targetID)
	}

	var used int
	err := t.q.QueryRow(ctx, `
		INSERT INTO monthly_quotas (user_id, target_id, kind, month, used)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (user_id, target_id, kind, month) DO UPDATE
		SET used = monthly_quotas.used + 1
		WHERE $5 < 0 OR monthly_quotas.used < $5
		RETURNING used
	`, userID, targetID, string(kind), month, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		used, _ = t.GetQuotaUsage(ctx, userID, targetID, kind, month)
		return used, fmt.Errorf("%w: %s quota for %s exhausted for %s (%d/%d)",
			contracts.ErrForbidden, kind, targetID, month, used, limit)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", mapError(err))
	}
	return used, nil
}
