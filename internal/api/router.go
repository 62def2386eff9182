package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hipo/sharemarket/internal/api/handlers"
	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

// Handlers groups the REST handlers mounted by NewRouter
type Handlers struct {
	Orders       *handlers.OrderHandler
	Shareholders *handlers.ShareholderHandler
	Wallets      *handlers.WalletHandler
	Communities  *handlers.CommunityHandler
	Referrals    *handlers.ReferralHandler
}

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: routes are registered only in this function
func NewRouter(h Handlers, hub *Hub, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	// Live trades
	r.HandleFunc("/ws/trades", hub.ServeWS).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Orders
	api.HandleFunc("/orders", h.Orders.PlaceOrder).Methods("POST")
	api.HandleFunc("/orders", h.Orders.ListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", h.Orders.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", h.Orders.CancelOrder).Methods("DELETE")

	// Targets
	api.HandleFunc("/targets/{target}/trades", h.Orders.ListTrades).Methods("GET")
	api.HandleFunc("/targets/{target}/book", h.Orders.GetBook).Methods("GET")
	api.HandleFunc("/targets/{target}/quota/comment", h.Shareholders.CheckComment).Methods("GET")
	api.HandleFunc("/targets/{target}/quota/comment", h.Shareholders.ConsumeComment).Methods("POST")
	api.HandleFunc("/targets/{target}/quota/dm", h.Shareholders.CheckDM).Methods("GET")
	api.HandleFunc("/targets/{target}/quota/dm", h.Shareholders.ConsumeDM).Methods("POST")

	// Users
	api.HandleFunc("/users/{user}/holdings", h.Shareholders.ListHoldings).Methods("GET")
	api.HandleFunc("/users/{user}/positions/{target}", h.Shareholders.GetStatus).Methods("GET")
	api.HandleFunc("/users/{user}/positions/{target}/permissions/{permission}", h.Shareholders.CheckPermission).Methods("GET")
	api.HandleFunc("/users/{user}/ledger", h.Shareholders.GetLedger).Methods("GET")
	api.HandleFunc("/users/{user}/wallet", h.Wallets.GetBalance).Methods("GET")
	api.HandleFunc("/users/{user}/wallet/transactions", h.Wallets.GetHistory).Methods("GET")
	api.HandleFunc("/users/{user}/referral", h.Referrals.GetReferral).Methods("GET")
	api.HandleFunc("/users/{user}/referrals", h.Referrals.ListReferred).Methods("GET")
	api.HandleFunc("/users/{user}/commissions", h.Referrals.ListCommissions).Methods("GET")

	api.HandleFunc("/transfers", h.Shareholders.Transfer).Methods("POST")
	api.HandleFunc("/referrals", h.Referrals.Register).Methods("POST")

	// Communities
	api.HandleFunc("/communities", h.Communities.Create).Methods("POST")
	api.HandleFunc("/communities/{id}/members", h.Communities.Join).Methods("POST")
	api.HandleFunc("/communities/{id}/members", h.Communities.ListMembers).Methods("GET")
	api.HandleFunc("/communities/{id}/leaders", h.Communities.ListTerms).Methods("GET")

	// Admin, protected by the gateway
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/grants", h.Shareholders.Grant).Methods("POST")
	admin.HandleFunc("/deposits", h.Wallets.Deposit).Methods("POST")
	admin.HandleFunc("/reconcile/{user}/{target}", h.Shareholders.Reconcile).Methods("GET")
	admin.HandleFunc("/communities/{id}/elect", h.Communities.Elect).Methods("POST")
	admin.HandleFunc("/communities/{id}/activity", h.Communities.RecordActivity).Methods("POST")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "sharemarket-api",
	})
}

// statusRecorder captures the status written by the next handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"user_id":  r.Header.Get(handlers.UserHeader),
				"duration": time.Since(start),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("HTTP request failed")
				return
			}
			entry.Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(handlers.ErrorBody{
						Error: handlers.ErrorDetail{Kind: contracts.KindInternal, Message: "internal server error"},
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
