package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hipo/sharemarket/internal/contracts"
)

const orderColumns = `id, seq, owner_id, target_id, side, quantity, limit_price,
	filled_quantity, status, created_at, expires_at, updated_at`

const openStatuses = `('PENDING', 'PARTIAL')`

func scanOrder(row pgx.Row) (*contracts.Order, error) {
	var o contracts.Order
	err := row.Scan(
		&o.ID, &o.Seq, &o.OwnerID, &o.TargetID, &o.Side, &o.Quantity, &o.LimitPrice,
		&o.FilledQuantity, &o.Status, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]contracts.Order, error) {
	defer rows.Close()
	var out []contracts.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *queries) getOrder(ctx context.Context, id uuid.UUID, lock bool) (*contracts.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", mapError(err))
	}
	return o, nil
}

func (r *queries) GetOrder(ctx context.Context, id uuid.UUID) (*contracts.Order, error) {
	return r.getOrder(ctx, id, false)
}

func (r *queries) ListOrdersByOwner(ctx context.Context, ownerID string, status contracts.OrderStatus) ([]contracts.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY seq DESC
	`
	rows, err := r.q.Query(ctx, query, ownerID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return collectOrders(rows)
}

func (r *queries) ListOpenOrders(ctx context.Context, targetID string, now time.Time) ([]contracts.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE target_id = $1 AND status IN ` + openStatuses + ` AND expires_at > $2
		ORDER BY seq ASC
	`
	rows, err := r.q.Query(ctx, query, targetID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	return collectOrders(rows)
}

func (r *queries) ListExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM orders
		WHERE status IN ` + openStatuses + ` AND expires_at <= $1
		ORDER BY expires_at ASC, seq ASC` + limitClause(limit)

	rows, err := r.q.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired orders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *queries) ListTrades(ctx context.Context, targetID string, limit int) ([]contracts.Trade, error) {
	query := `
		SELECT id, buy_order_id, sell_order_id, buyer_id, seller_id, target_id,
			quantity, price, executed_at
		FROM trades
		WHERE target_id = $1
		ORDER BY seq DESC` + limitClause(limit)

	rows, err := r.q.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []contracts.Trade
	for rows.Next() {
		var t contracts.Trade
		if err := rows.Scan(
			&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.TargetID,
			&t.Quantity, &t.Price, &t.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LockTarget takes the transaction-scoped advisory lock for targetID's book
func (t *txn) LockTarget(ctx context.Context, targetID string) error {
	if targetID == "" {
		return fmt.Errorf("%w: empty target", contracts.ErrInvalidInput)
	}
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, targetID); err != nil {
		return fmt.Errorf("failed to lock target %s: %w", targetID, mapError(err))
	}
	return nil
}

func (t *txn) LockOrder(ctx context.Context, id uuid.UUID) (*contracts.Order, error) {
	return t.getOrder(ctx, id, true)
}

func (t *txn) NextResting(ctx context.Context, aggressor *contracts.Order, now time.Time, exclude []uuid.UUID) (*contracts.Order, error) {
	priceCond, priceOrder := `limit_price <= $3`, `limit_price ASC`
	if aggressor.Side == contracts.SideSell {
		priceCond, priceOrder = `limit_price >= $3`, `limit_price DESC`
	}

	skip := make([]string, 0, len(exclude)+1)
	skip = append(skip, aggressor.ID.String())
	for _, id := range exclude {
		skip = append(skip, id.String())
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE target_id = $1
			AND side = $2
			AND ` + priceCond + `
			AND status IN ` + openStatuses + `
			AND expires_at > $4
			AND id <> ALL($5::uuid[])
		ORDER BY ` + priceOrder + `, created_at ASC, seq ASC
		LIMIT 1
		FOR UPDATE
	`
	o, err := scanOrder(t.q.QueryRow(ctx, query,
		aggressor.TargetID, string(aggressor.Side.Opposite()), aggressor.LimitPrice, now, skip,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select resting order: %w", mapError(err))
	}
	return o, nil
}

func (t *txn) InsertOrder(ctx context.Context, o *contracts.Order) error {
	query := `
		INSERT INTO orders (
			id, owner_id, target_id, side, quantity, limit_price,
			filled_quantity, status, created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`
	err := t.q.QueryRow(ctx, query,
		o.ID, o.OwnerID, o.TargetID, string(o.Side), o.Quantity, o.LimitPrice,
		o.FilledQuantity, string(o.Status), o.CreatedAt, o.ExpiresAt, o.UpdatedAt,
	).Scan(&o.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s already exists", contracts.ErrInvalidInput, o.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", mapError(err))
	}
	return nil
}

func (t *txn) UpdateOrder(ctx context.Context, o *contracts.Order) error {
	query := `
		UPDATE orders
		SET filled_quantity = $2, status = $3, updated_at = $4
		WHERE id = $1
	`
	tag, err := t.q.Exec(ctx, query, o.ID, o.FilledQuantity, string(o.Status), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, contracts.ErrNotFound)
	}
	return nil
}

func (t *txn) InsertTrade(ctx context.Context, tr *contracts.Trade) error {
	query := `
		INSERT INTO trades (
			id, buy_order_id, sell_order_id, buyer_id, seller_id, target_id,
			quantity, price, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.q.Exec(ctx, query,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.TargetID,
		tr.Quantity, tr.Price, tr.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", mapError(err))
	}
	return nil
}

func (t *txn) EnqueueEvent(ctx context.Context, event contracts.TradeSettled) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	now := t.now()
	query := `
		INSERT INTO trade_events (trade_id, payload, status, next_attempt_at, created_at)
		VALUES ($1, $2, 'PENDING', $3, $3)
	`
	if _, err := t.q.Exec(ctx, query, event.TradeID, payload, now); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", mapError(err))
	}
	return nil
}
