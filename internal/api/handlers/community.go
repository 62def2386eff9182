package handlers

import (
	"net/http"

	"github.com/hipo/sharemarket/internal/community"
	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

// CommunityHandler serves shareholder rooms and their leaders
type CommunityHandler struct {
	communities *community.Service
	logger      *logger.Logger
}

// NewCommunityHandler creates a new community handler
func NewCommunityHandler(communities *community.Service, log *logger.Logger) *CommunityHandler {
	return &CommunityHandler{
		communities: communities,
		logger:      log,
	}
}

// CreateCommunityRequest is the body of POST /api/communities
type CreateCommunityRequest struct {
	Name string `json:"name"`
}

// Create opens the caller's own shareholder room
// POST /api/communities
func (h *CommunityHandler) Create(w http.ResponseWriter, r *http.Request) {
	creator, ok := requester(w, r)
	if !ok {
		return
	}
	var req CreateCommunityRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.communities.Create(r.Context(), creator, req.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// Join adds the caller with a snapshot of their current position
// POST /api/communities/{id}/members
func (h *CommunityHandler) Join(w http.ResponseWriter, r *http.Request) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	m, err := h.communities.Join(r.Context(), id, user)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// ListMembers returns the members of a community
// GET /api/communities/{id}/members
func (h *CommunityHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	members, err := h.communities.Members(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if members == nil {
		members = []contracts.CommunityMember{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"community_id": id,
		"members":      members,
		"count":        len(members),
	})
}

// ListTerms returns the leader history of a community
// GET /api/communities/{id}/leaders
func (h *CommunityHandler) ListTerms(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	terms, err := h.communities.Terms(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if terms == nil {
		terms = []contracts.AdminTerm{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"community_id": id,
		"terms":        terms,
	})
}

// Elect runs leader selection now instead of waiting for the rescan
// POST /api/admin/communities/{id}/elect
func (h *CommunityHandler) Elect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	e, err := h.communities.ElectLeader(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// ActivityRequest is the body of POST /api/admin/communities/{id}/activity
type ActivityRequest struct {
	UserID string `json:"user_id"`
	Delta  int64  `json:"delta"`
}

// RecordActivity adds to a member's activity score
// POST /api/admin/communities/{id}/activity
func (h *CommunityHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req ActivityRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.communities.RecordActivity(r.Context(), id, req.UserID, req.Delta); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
