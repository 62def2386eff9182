package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/referral"
	"github.com/hipo/sharemarket/pkg/logger"
)

// ReferralHandler serves referral links and commission history
type ReferralHandler struct {
	referrals *referral.Service
	logger    *logger.Logger
}

// NewReferralHandler creates a new referral handler
func NewReferralHandler(referrals *referral.Service, log *logger.Logger) *ReferralHandler {
	return &ReferralHandler{
		referrals: referrals,
		logger:    log,
	}
}

// RegisterReferralRequest is the body of POST /api/referrals
type RegisterReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
}

// Register records who referred the caller
// POST /api/referrals
func (h *ReferralHandler) Register(w http.ResponseWriter, r *http.Request) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	var req RegisterReferralRequest
	if !decode(w, r, &req) {
		return
	}

	ref, err := h.referrals.Register(r.Context(), req.ReferrerID, user)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ref)
}

// GetReferral returns the referral of a referred user
// GET /api/users/{user}/referral
func (h *ReferralHandler) GetReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := h.referrals.Get(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ref)
}

// ListReferred returns everyone a user referred
// GET /api/users/{user}/referrals
func (h *ReferralHandler) ListReferred(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	refs, err := h.referrals.ListByReferrer(r.Context(), user)
	if err != nil {
		respondError(w, err)
		return
	}
	if refs == nil {
		refs = []contracts.Referral{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"referrer_id": user,
		"referrals":   refs,
		"count":       len(refs),
	})
}

// ListCommissions returns the commissions paid to a referrer
// GET /api/users/{user}/commissions
func (h *ReferralHandler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	commissions, err := h.referrals.Commissions(r.Context(), user)
	if err != nil {
		respondError(w, err)
		return
	}
	if commissions == nil {
		commissions = []contracts.ReferralCommission{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"referrer_id": user,
		"commissions": commissions,
		"rate":        h.referrals.Rate(),
	})
}
