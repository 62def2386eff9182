package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
)

// WalletHandler serves coin balances
type WalletHandler struct {
	wallets *wallet.Service
	logger  *logger.Logger
}

// NewWalletHandler creates a new wallet handler
func NewWalletHandler(wallets *wallet.Service, log *logger.Logger) *WalletHandler {
	return &WalletHandler{
		wallets: wallets,
		logger:  log,
	}
}

// GetBalance returns a user's wallet
// GET /api/users/{user}/wallet
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wl, err := h.wallets.Balance(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wl)
}

// GetHistory returns a user's wallet transactions, newest first
// GET /api/users/{user}/wallet/transactions?limit=50
func (h *WalletHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	limit, err := queryLimit(r, wallet.DefaultHistoryLimit, 500)
	if err != nil {
		invalid(w, "%v", err)
		return
	}

	txs, err := h.wallets.History(r.Context(), user, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if txs == nil {
		txs = []contracts.WalletTransaction{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user,
		"transactions": txs,
		"count":        len(txs),
	})
}

// DepositRequest is the body of POST /api/admin/deposits
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// Deposit tops up a wallet
// POST /api/admin/deposits
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}

	wl, err := h.wallets.Deposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"user_id": req.UserID,
		"amount":  req.Amount.String(),
	}).Info("Wallet deposit")
	respondJSON(w, http.StatusOK, wl)
}
