// Package community keeps shareholder-room membership snapshots in step with
// positions and elects each room's leader.
//
// Leader selection is a deterministic total order over members:
// shareholding DESC, joinedAt ASC, activity score DESC, user id ASC.
// Banned members and members without shares are never eligible. When nobody
// is eligible the seat is vacated.
package community

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

// Election is the result of one leader selection
type Election struct {
	CommunityID uuid.UUID `json:"community_id"`
	LeaderID    string    `json:"leader_id"`
	PreviousID  string    `json:"previous_id,omitempty"`
	Changed     bool      `json:"changed"`
}

// Service manages communities
// ⭐ SSOT: community leaders are appointed only through elect
type Service struct {
	store  contracts.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a community service
func NewService(store contracts.Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("community"),
		now:    time.Now,
	}
}

// WithClock replaces the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens the shareholder room of creatorID
func (s *Service) Create(ctx context.Context, creatorID, name string) (*contracts.Community, error) {
	name = strings.TrimSpace(name)
	if creatorID == "" || name == "" {
		return nil, fmt.Errorf("%w: creator and name are required", contracts.ErrInvalidInput)
	}

	c := &contracts.Community{
		ID:        uuid.New(),
		CreatorID: creatorID,
		Name:      name,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		return tx.InsertCommunity(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create community: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"community_id": c.ID.String(),
		"creator_id":   creatorID,
	}).Info("Community created")
	return c, nil
}

// Join adds userID to the community with a snapshot of the current position.
// Joining again refreshes the snapshot and keeps the original join time.
func (s *Service) Join(ctx context.Context, communityID uuid.UUID, userID string) (*contracts.CommunityMember, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", contracts.ErrInvalidInput)
	}

	now := s.now()
	var member *contracts.CommunityMember

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		c, err := tx.LockCommunity(ctx, communityID)
		if err != nil {
			return err
		}
		if !c.IsActive {
			return fmt.Errorf("%w: community %s is closed", contracts.ErrForbidden, communityID)
		}

		h, err := tx.GetHolding(ctx, userID, c.CreatorID)
		if err != nil {
			return err
		}

		m, err := findMember(ctx, tx, communityID, userID)
		if err != nil {
			return err
		}
		if m == nil {
			m = &contracts.CommunityMember{CommunityID: communityID, UserID: userID, JoinedAt: now}
		}
		if m.IsBanned {
			return fmt.Errorf("%w: %s is banned from community %s", contracts.ErrForbidden, userID, communityID)
		}
		m.CurrentShareholding = h.Quantity
		if err := tx.UpsertMember(ctx, m); err != nil {
			return err
		}
		member = m

		_, err = elect(ctx, tx, c, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join community: %w", err)
	}
	return member, nil
}

// RecordActivity adds delta to a member's activity score
func (s *Service) RecordActivity(ctx context.Context, communityID uuid.UUID, userID string, delta int64) error {
	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		if _, err := tx.LockCommunity(ctx, communityID); err != nil {
			return err
		}
		m, err := findMember(ctx, tx, communityID, userID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("member %s of %s: %w", userID, communityID, contracts.ErrNotFound)
		}
		m.ActivityScore += delta
		if m.ActivityScore < 0 {
			m.ActivityScore = 0
		}
		return tx.UpsertMember(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// SyncShareholding refreshes the cached shareholding of userIDs in the
// community hosted by targetID and re-runs the election. Targets without a
// community are ignored.
func (s *Service) SyncShareholding(ctx context.Context, targetID string, userIDs ...string) (*Election, error) {
	c, err := s.store.GetCommunityByCreator(ctx, targetID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	if !c.IsActive {
		return nil, nil
	}

	now := s.now()
	var result *Election

	err = s.store.InTx(ctx, func(tx contracts.Tx) error {
		locked, err := tx.LockCommunity(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			h, err := tx.GetHolding(ctx, userID, targetID)
			if err != nil {
				return err
			}
			if _, err := tx.UpdateMemberShareholding(ctx, c.ID, userID, h.Quantity); err != nil {
				return err
			}
		}
		result, err = elect(ctx, tx, locked, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync shareholding: %w", err)
	}
	s.logElection(result)
	return result, nil
}

// ElectLeader refreshes every member snapshot of the community and selects
// its leader
func (s *Service) ElectLeader(ctx context.Context, communityID uuid.UUID) (*Election, error) {
	now := s.now()
	var result *Election

	err := s.store.InTx(ctx, func(tx contracts.Tx) error {
		c, err := tx.LockCommunity(ctx, communityID)
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, communityID)
		if err != nil {
			return err
		}
		for _, m := range members {
			h, err := tx.GetHolding(ctx, m.UserID, c.CreatorID)
			if err != nil {
				return err
			}
			if h.Quantity == m.CurrentShareholding {
				continue
			}
			if _, err := tx.UpdateMemberShareholding(ctx, communityID, m.UserID, h.Quantity); err != nil {
				return err
			}
		}
		result, err = elect(ctx, tx, c, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to elect leader: %w", err)
	}
	s.logElection(result)
	return result, nil
}

// RescanAll re-elects every active community and returns how many changed
// leader. A failing community does not stop the scan.
func (s *Service) RescanAll(ctx context.Context) (int, error) {
	communities, err := s.store.ListCommunities(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list communities: %w", err)
	}

	var (
		changed int
		errs    []error
	)
	for _, c := range communities {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		e, err := s.ElectLeader(ctx, c.ID)
		if err != nil {
			s.logger.WithError(err).WithField("community_id", c.ID.String()).Error("Leadership rescan failed")
			errs = append(errs, err)
			continue
		}
		if e.Changed {
			changed++
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"communities": len(communities),
		"changed":     changed,
	}).Info("Leadership rescan completed")
	return changed, errors.Join(errs...)
}

// Members returns the member snapshots of a community
func (s *Service) Members(ctx context.Context, communityID uuid.UUID) ([]contracts.CommunityMember, error) {
	members, err := s.store.ListMembers(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	SortByRank(members)
	return members, nil
}

// Terms returns the leader history of a community
func (s *Service) Terms(ctx context.Context, communityID uuid.UUID) ([]contracts.AdminTerm, error) {
	terms, err := s.store.ListAdminTerms(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin terms: %w", err)
	}
	return terms, nil
}

func (s *Service) logElection(e *Election) {
	if e == nil || !e.Changed {
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"community_id": e.CommunityID.String(),
		"leader_id":    e.LeaderID,
		"previous_id":  e.PreviousID,
	}).Info("Community leader changed")
}

// elect appoints the top-ranked member when it differs from the current
// leader. An eligible incumbent always ranks somewhere, so finding nobody
// means the incumbent was banned, sold out or left, and the seat is vacated.
func elect(ctx context.Context, tx contracts.Tx, c *contracts.Community, now time.Time) (*Election, error) {
	members, err := tx.ListMembers(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	result := &Election{CommunityID: c.ID, LeaderID: c.CurrentAdminID, PreviousID: c.CurrentAdminID}
	leader, ok := SelectLeader(members)
	if !ok {
		if c.CurrentAdminID == "" {
			return result, nil
		}
		if err := tx.VacateAdmin(ctx, c.ID, now, contracts.RemovalIneligible); err != nil {
			return nil, fmt.Errorf("failed to vacate admin: %w", err)
		}
		result.LeaderID = ""
		result.Changed = true
		return result, nil
	}
	if leader.UserID == c.CurrentAdminID {
		return result, nil
	}

	term := contracts.AdminTerm{
		CommunityID:               c.ID,
		UserID:                    leader.UserID,
		ShareholdingAtAppointment: leader.CurrentShareholding,
		AppointedAt:               now,
		IsActive:                  true,
	}
	if err := tx.AppointAdmin(ctx, term); err != nil {
		return nil, fmt.Errorf("failed to appoint admin: %w", err)
	}

	result.LeaderID = leader.UserID
	result.Changed = true
	return result, nil
}

func eligible(m contracts.CommunityMember) bool {
	return !m.IsBanned && m.CurrentShareholding > 0
}

// SelectLeader returns the highest-ranked eligible member
func SelectLeader(members []contracts.CommunityMember) (contracts.CommunityMember, bool) {
	var (
		best  contracts.CommunityMember
		found bool
	)
	for _, m := range members {
		if !eligible(m) {
			continue
		}
		if !found || outranks(m, best) {
			best, found = m, true
		}
	}
	return best, found
}

// SortByRank orders members the way SelectLeader ranks them
func SortByRank(members []contracts.CommunityMember) {
	sort.SliceStable(members, func(i, j int) bool { return outranks(members[i], members[j]) })
}

func outranks(a, b contracts.CommunityMember) bool {
	if a.CurrentShareholding != b.CurrentShareholding {
		return a.CurrentShareholding > b.CurrentShareholding
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	if a.ActivityScore != b.ActivityScore {
		return a.ActivityScore > b.ActivityScore
	}
	return a.UserID < b.UserID
}

func findMember(ctx context.Context, tx contracts.Tx, communityID uuid.UUID, userID string) (*contracts.CommunityMember, error) {
	members, err := tx.ListMembers(ctx, communityID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.UserID == userID {
			return &m, nil
		}
	}
	return nil, nil
}
