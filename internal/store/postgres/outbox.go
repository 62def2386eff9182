package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hipo/sharemarket/internal/contracts"
)

const eventColumns = `id, payload, status, attempts, last_error, delivered, next_attempt_at, created_at`

func collectEvents(rows pgx.Rows) ([]contracts.OutboxEvent, error) {
	defer rows.Close()

	var out []contracts.OutboxEvent
	for rows.Next() {
		var (
			e       contracts.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &payload, &e.Status, &e.Attempts, &e.LastError, &e.Delivered, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimEvents leases due events. SKIP LOCKED lets several dispatchers claim
// disjoint batches; the lease deadline is stored in next_attempt_at.
func (s *Store) ClaimEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]contracts.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		UPDATE trade_events
		SET status = 'PROCESSING', attempts = attempts + 1, next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM trade_events
			WHERE status IN ('PENDING', 'PROCESSING') AND next_attempt_at <= $1
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + eventColumns

	rows, err := s.pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", mapError(err))
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *Store) updateEvent(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d: %w", id, contracts.ErrNotFound)
	}
	return nil
}

func (s *Store) CompleteEvent(ctx context.Context, id int64) error {
	return s.updateEvent(ctx, id, `UPDATE trade_events SET status = 'DONE', last_error = '' WHERE id = $1`)
}

func (s *Store) RetryEvent(ctx context.Context, id int64, nextAttemptAt time.Time, lastErr string, delivered []string) error {
	if delivered == nil {
		delivered = []string{}
	}
	return s.updateEvent(ctx, id,
		`UPDATE trade_events SET status = 'PENDING', next_attempt_at = $2, last_error = $3, delivered = $4 WHERE id = $1`,
		nextAttemptAt, lastErr, delivered)
}

func (s *Store) DeadEvent(ctx context.Context, id int64, lastErr string) error {
	return s.updateEvent(ctx, id,
		`UPDATE trade_events SET status = 'DEAD', last_error = $2 WHERE id = $1`,
		lastErr)
}

func (s *Store) ListEvents(ctx context.Context, status contracts.EventStatus, limit int) ([]contracts.OutboxEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM trade_events
		WHERE $1 = '' OR status = $1
		ORDER BY id` + limitClause(limit)

	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", mapError(err))
	}
	return collectEvents(rows)
}
