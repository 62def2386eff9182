package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hipo/sharemarket/internal/contracts"
)

// UserHeader carries the authenticated caller, set by the gateway
const UserHeader = "X-User-ID"

// KindRateLimited is returned with 429 when a caller exceeds its budget
const KindRateLimited = "RateLimited"

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error kind for clients to branch on
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusOf maps an error kind to its HTTP status
// ⭐ SSOT: error kind to status mapping lives only here
func StatusOf(kind string) int {
	switch kind {
	case contracts.KindInvalidInput:
		return http.StatusBadRequest
	case contracts.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case contracts.KindInsufficientHoldings, contracts.KindAlreadyTerminal, contracts.KindConcurrencyConflict:
		return http.StatusConflict
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondKind(w http.ResponseWriter, kind, message string) {
	respondJSON(w, StatusOf(kind), ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}})
}

// respondError writes err with the status of its kind. Internal errors do
// not leak their text.
func respondError(w http.ResponseWriter, err error) {
	kind := contracts.KindOf(err)
	message := err.Error()
	if kind == contracts.KindInternal {
		message = "internal server error"
	}
	respondKind(w, kind, message)
}

func invalid(w http.ResponseWriter, format string, args ...interface{}) {
	respondKind(w, contracts.KindInvalidInput, fmt.Sprintf(format, args...))
}

// requester returns the caller id or writes 403
func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		respondKind(w, contracts.KindForbidden, "missing "+UserHeader+" header")
		return "", false
	}
	return user, true
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		invalid(w, "invalid request body: %v", err)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		invalid(w, "invalid %s", name)
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit parses ?limit=, falling back to def and capping at max
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
