package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/internal/shareholder"
	"github.com/hipo/sharemarket/pkg/logger"
)

// ShareholderHandler serves positions, ledger history and the social gates
type ShareholderHandler struct {
	ledger       *ledger.Service
	shareholders *shareholder.Service
	logger       *logger.Logger
}

// NewShareholderHandler creates a new shareholder handler
func NewShareholderHandler(l *ledger.Service, sh *shareholder.Service, log *logger.Logger) *ShareholderHandler {
	return &ShareholderHandler{
		ledger:       l,
		shareholders: sh,
		logger:       log,
	}
}

// GetStatus returns position, tier and permissions of a user for a target
// GET /api/users/{user}/positions/{target}
func (h *ShareholderHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	status, err := h.shareholders.Status(r.Context(), vars["user"], vars["target"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ListHoldings returns every non-empty holding of a user
// GET /api/users/{user}/holdings
func (h *ShareholderHandler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	holdings, err := h.ledger.Holdings(r.Context(), user)
	if err != nil {
		respondError(w, err)
		return
	}
	if holdings == nil {
		holdings = []contracts.Holding{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user,
		"holdings": holdings,
		"count":    len(holdings),
	})
}

// GetLedger returns a user's ledger entries, optionally for one target
// GET /api/users/{user}/ledger?target=...&limit=100
func (h *ShareholderHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	limit, err := queryLimit(r, ledger.DefaultHistoryLimit, 1000)
	if err != nil {
		invalid(w, "%v", err)
		return
	}

	entries, err := h.ledger.History(r.Context(), user, r.URL.Query().Get("target"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []contracts.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": user,
		"entries": entries,
		"count":   len(entries),
	})
}

// CheckPermission answers a single named permission
// GET /api/users/{user}/positions/{target}/permissions/{permission}
func (h *ShareholderHandler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	ok, err := h.shareholders.HasPermission(r.Context(), vars["user"], vars["target"], vars["permission"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"permission": vars["permission"],
		"allowed":    ok,
	})
}

// GrantRequest is the body of POST /api/admin/grants
type GrantRequest struct {
	ToUserID string `json:"to_user_id"`
	TargetID string `json:"target_id"`
	Quantity int64  `json:"quantity"`
}

// Grant issues new shares of a target
// POST /api/admin/grants
func (h *ShareholderHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}

	entry, err := h.ledger.Grant(r.Context(), req.ToUserID, req.TargetID, req.Quantity)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// TransferRequest is the body of POST /api/transfers
type TransferRequest struct {
	ToUserID string `json:"to_user_id"`
	TargetID string `json:"target_id"`
	Quantity int64  `json:"quantity"`
}

// Transfer moves the caller's available shares to another user
// POST /api/transfers
func (h *ShareholderHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}

	entry, err := h.ledger.Transfer(r.Context(), user, req.ToUserID, req.TargetID, req.Quantity)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// Reconcile compares a holding counter with its ledger sum
// GET /api/admin/reconcile/{user}/{target}
func (h *ShareholderHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	drift, err := h.ledger.Reconcile(r.Context(), vars["user"], vars["target"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": drift == nil,
		"drift":      drift,
	})
}

type quotaGate func(ctx context.Context, userID, targetID string) (*shareholder.QuotaCheck, error)

func (h *ShareholderHandler) runQuota(w http.ResponseWriter, r *http.Request, gate quotaGate) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	check, err := gate(r.Context(), user, mux.Vars(r)["target"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, check)
}

// CheckComment reports the caller's comment quota on a target
// GET /api/targets/{target}/quota/comment
func (h *ShareholderHandler) CheckComment(w http.ResponseWriter, r *http.Request) {
	h.runQuota(w, r, h.shareholders.CheckComment)
}

// ConsumeComment counts one comment, 403 once the month is used up
// POST /api/targets/{target}/quota/comment
func (h *ShareholderHandler) ConsumeComment(w http.ResponseWriter, r *http.Request) {
	h.runQuota(w, r, h.shareholders.ConsumeComment)
}

// GET /api/targets/{target}/quota/dm
func (h *ShareholderHandler) CheckDM(w http.ResponseWriter, r *http.Request) {
	h.runQuota(w, r, h.shareholders.CheckDM)
}

// POST /api/targets/{target}/quota/dm
func (h *ShareholderHandler) ConsumeDM(w http.ResponseWriter, r *http.Request) {
	h.runQuota(w, r, h.shareholders.ConsumeDM)
}
