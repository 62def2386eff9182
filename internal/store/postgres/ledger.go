package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hipo/sharemarket/internal/contracts"
)

func (r *queries) GetHolding(ctx context.Context, userID, targetID string) (contracts.Holding, error) {
	h := contracts.Holding{UserID: userID, TargetID: targetID}
	err := r.q.QueryRow(ctx,
		`SELECT quantity, reserved FROM holdings WHERE user_id = $1 AND target_id = $2`,
		userID, targetID,
	).Scan(&h.Quantity, &h.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("failed to get holding: %w", mapError(err))
	}
	return h, nil
}

func (r *queries) listHoldings(ctx context.Context, query string, args ...any) ([]contracts.Holding, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var out []contracts.Holding
	for rows.Next() {
		var h contracts.Holding
		if err := rows.Scan(&h.UserID, &h.TargetID, &h.Quantity, &h.Reserved); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *queries) ListHoldings(ctx context.Context) ([]contracts.Holding, error) {
	return r.listHoldings(ctx, `
		SELECT user_id, target_id, quantity, reserved
		FROM holdings
		ORDER BY user_id, target_id
	`)
}

func (r *queries) ListHoldingsByUser(ctx context.Context, userID string) ([]contracts.Holding, error) {
	return r.listHoldings(ctx, `
		SELECT user_id, target_id, quantity, reserved
		FROM holdings
		WHERE user_id = $1
		ORDER BY target_id
	`, userID)
}

func (r *queries) SumLedger(ctx context.Context, userID, targetID string) (int64, error) {
	query := `
		SELECT
			COALESCE(SUM(quantity) FILTER (WHERE to_user_id = $1), 0)
			- COALESCE(SUM(quantity) FILTER (WHERE from_user_id = $1), 0)
		FROM ledger_entries
		WHERE target_id = $2 AND (to_user_id = $1 OR from_user_id = $1)
	`
	var sum int64
	if err := r.q.QueryRow(ctx, query, userID, targetID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", mapError(err))
	}
	return sum, nil
}

func (r *queries) ListLedger(ctx context.Context, userID, targetID string, limit int) ([]contracts.LedgerEntry, error) {
	query := `
		SELECT id, COALESCE(from_user_id, ''), to_user_id, target_id, quantity, unit_price, kind, at
		FROM ledger_entries
		WHERE (from_user_id = $1 OR to_user_id = $1) AND ($2 = '' OR target_id = $2)
		ORDER BY seq DESC` + limitClause(limit)

	rows, err := r.q.Query(ctx, query, userID, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []contracts.LedgerEntry
	for rows.Next() {
		var e contracts.LedgerEntry
		if err := rows.Scan(&e.ID, &e.FromUserID, &e.ToUserID, &e.TargetID, &e.Quantity, &e.UnitPrice, &e.Kind, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AppendLedger moves the counters with conditional increments and appends
// the entry, all inside the caller's transaction
func (t *txn) AppendLedger(ctx context.Context, e *contracts.LedgerEntry) error {
	if e.Quantity <= 0 {
		return fmt.Errorf("%w: ledger quantity must be positive", contracts.ErrInvalidInput)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	if e.FromUserID != "" {
		tag, err := t.q.Exec(ctx, `
			UPDATE holdings
			SET quantity = quantity - $3
			WHERE user_id = $1 AND target_id = $2 AND quantity - reserved >= $3
		`, e.FromUserID, e.TargetID, e.Quantity)
		if err != nil {
			return fmt.Errorf("failed to debit holding: %w", mapError(err))
		}
		if tag.RowsAffected() == 0 {
			return t.insufficientHoldings(ctx, e.FromUserID, e.TargetID, e.Quantity)
		}
	}

	if _, err := t.q.Exec(ctx, `
		INSERT INTO holdings (user_id, target_id, quantity, reserved)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, target_id) DO UPDATE
		SET quantity = holdings.quantity + EXCLUDED.quantity
	`, e.ToUserID, e.TargetID, e.Quantity); err != nil {
		return fmt.Errorf("failed to credit holding: %w", mapError(err))
	}

	if _, err := t.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, from_user_id, to_user_id, target_id, quantity, unit_price, kind, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, nullable(e.FromUserID), e.ToUserID, e.TargetID, e.Quantity, e.UnitPrice, string(e.Kind), e.At); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", mapError(err))
	}
	return nil
}

func (t *txn) insufficientHoldings(ctx context.Context, userID, targetID string, qty int64) error {
	h, err := t.GetHolding(ctx, userID, targetID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s has %d available of %s, needs %d",
		contracts.ErrInsufficientHoldings, userID, h.Available(), targetID, qty)
}

func (t *txn) ReserveHolding(ctx context.Context, userID, targetID string, qty int64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE holdings
		SET reserved = reserved + $3
		WHERE user_id = $1 AND target_id = $2 AND quantity - reserved >= $3
	`, userID, targetID, qty)
	if err != nil {
		return fmt.Errorf("failed to reserve holding: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return t.insufficientHoldings(ctx, userID, targetID, qty)
	}
	return nil
}

func (t *txn) ReleaseHolding(ctx context.Context, userID, targetID string, qty int64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE holdings
		SET reserved = reserved - $3
		WHERE user_id = $1 AND target_id = $2 AND reserved >= $3
	`, userID, targetID, qty)
	if err != nil {
		return fmt.Errorf("failed to release holding: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release %d exceeds reserved for %s/%s",
			contracts.ErrConcurrencyConflict, qty, userID, targetID)
	}
	return nil
}

func (r *queries) GetWallet(ctx context.Context, userID string) (contracts.Wallet, error) {
	w := contracts.Wallet{UserID: userID, Balance: decimal.Zero}
	err := r.q.QueryRow(ctx,
		`SELECT balance, updated_at FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return w, fmt.Errorf("failed to get wallet: %w", mapError(err))
	}
	return w, nil
}

func (r *queries) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]contracts.WalletTransaction, error) {
	query := `
		SELECT id, user_id, kind, amount, balance_after, related_id, description, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY seq DESC` + limitClause(limit)

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []contracts.WalletTransaction
	for rows.Next() {
		var wt contracts.WalletTransaction
		if err := rows.Scan(&wt.ID, &wt.UserID, &wt.Kind, &wt.Amount, &wt.BalanceAfter, &wt.RelatedID, &wt.Description, &wt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

func (t *txn) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit amount must be positive", contracts.ErrInvalidInput)
	}

	var balance decimal.Decimal
	err := t.q.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance - $2, updated_at = $3
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount, t.now()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s cannot cover %s", contracts.ErrInsufficientFunds, userID, amount)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit wallet: %w", mapError(err))
	}
	return balance, nil
}

func (t *txn) CreditWallet(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: credit amount must be positive", contracts.ErrInvalidInput)
	}

	var balance decimal.Decimal
	err := t.q.QueryRow(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance
	`, userID, amount, t.now()).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit wallet: %w", mapError(err))
	}
	return balance, nil
}

func (t *txn) InsertWalletTransaction(ctx context.Context, wt *contracts.WalletTransaction) error {
	if wt.ID == uuid.Nil {
		wt.ID = uuid.New()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, kind, amount, balance_after, related_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, wt.ID, wt.UserID, string(wt.Kind), wt.Amount, wt.BalanceAfter, wt.RelatedID, wt.Description, wt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert wallet transaction: %w", mapError(err))
	}
	return nil
}
