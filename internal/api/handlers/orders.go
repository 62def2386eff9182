package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/orderbook"
	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/redis"
)

// MaxTradesLimit caps ?limit= on the trades endpoint; the cache holds this many
const MaxTradesLimit = 200

// OrderHandler serves the order book endpoints
// ⭐ SSOT: order API handlers live only in this struct
type OrderHandler struct {
	book       *orderbook.Book
	limiter    *redis.RateLimiter
	placeLimit int
	cache      *redis.Cache
	cacheTTL   time.Duration
	logger     *logger.Logger
}

// NewOrderHandler creates a new order handler. placeLimit is orders per
// user per minute, 0 disables the check.
func NewOrderHandler(book *orderbook.Book, limiter *redis.RateLimiter, placeLimit int, cache *redis.Cache, cacheTTL time.Duration, log *logger.Logger) *OrderHandler {
	return &OrderHandler{
		book:       book,
		limiter:    limiter,
		placeLimit: placeLimit,
		cache:      cache,
		cacheTTL:   cacheTTL,
		logger:     log,
	}
}

// PlaceOrderRequest is the body of POST /api/orders
type PlaceOrderRequest struct {
	TargetID   string          `json:"target_id"`
	Side       contracts.Side  `json:"side"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// PlaceOrder places a limit order for the caller and matches it
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := requester(w, r)
	if !ok {
		return
	}

	if h.limiter != nil {
		allowed, remaining, err := h.limiter.Allow(ctx, redis.PlaceOrderLimit(user, h.placeLimit))
		if err != nil {
			// fail open: the book itself is still protected by its own checks
			h.logger.WithError(err).Warn("Rate limiter unavailable")
		} else if !allowed {
			respondKind(w, KindRateLimited, "too many orders, slow down")
			return
		} else if h.placeLimit > 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
	}

	var req PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.book.PlaceOrder(ctx, orderbook.PlaceOrderRequest{
		OwnerID:    user,
		TargetID:   req.TargetID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, res)
}

// CancelOrder cancels one of the caller's open orders
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.book.Cancel(r.Context(), id, user)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// GetOrder returns one of the caller's orders. Other users' orders are
// Forbidden, as with cancel.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.book.GetOrder(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if order.OwnerID != user {
		respondKind(w, contracts.KindForbidden, "order belongs to another user")
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// ListOrders returns the caller's orders, newest first
// GET /api/orders?status=PENDING
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := requester(w, r)
	if !ok {
		return
	}
	status := contracts.OrderStatus(r.URL.Query().Get("status"))

	orders, err := h.book.ListOrders(r.Context(), user, status)
	if err != nil {
		respondError(w, err)
		return
	}
	if orders == nil {
		orders = []contracts.Order{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// ListTrades returns the newest trades of a target. The newest
// MaxTradesLimit trades are cached until the next settlement.
// GET /api/targets/{target}/trades?limit=50
func (h *OrderHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := mux.Vars(r)["target"]

	limit, err := queryLimit(r, orderbook.DefaultTradesLimit, MaxTradesLimit)
	if err != nil {
		invalid(w, "%v", err)
		return
	}

	var trades []contracts.Trade
	err = h.cache.GetOrSet(ctx, redis.TradesKey(target), &trades, h.cacheTTL, func() (interface{}, error) {
		return h.book.ListTrades(ctx, target, MaxTradesLimit)
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if len(trades) > limit {
		trades = trades[:limit]
	}
	if trades == nil {
		trades = []contracts.Trade{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"target_id": target,
		"trades":    trades,
		"count":     len(trades),
	})
}

// GetBook returns the open book grouped by price level
// GET /api/targets/{target}/book
func (h *OrderHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.book.Snapshot(r.Context(), mux.Vars(r)["target"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}
