// Package postgres is the pgx implementation of contracts.Store.
//
// Match units serialize per target with pg_advisory_xact_lock and lock the
// orders they touch FOR UPDATE. Wallet and reservation counters move only
// through single conditional UPDATE statements.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/database"
)

var (
	_ contracts.Store = (*Store)(nil)
	_ contracts.Tx    = (*txn)(nil)
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the schema migrations in version order
func Migrations() ([]database.Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]database.Migration, 0, len(entries))
	for _, e := range entries {
		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		out = append(out, database.Migration{
			Version: strings.TrimSuffix(e.Name(), ".sql"),
			SQL:     string(body),
		})
	}
	return out, nil
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries carries the read side; it runs against the pool or a transaction
type queries struct {
	q   querier
	now func() time.Time
}

// txn is the write side handed to InTx callbacks
type txn struct {
	*queries
}

// Store is the postgres contracts.Store
// ⭐ SSOT: all market SQL lives in this package
type Store struct {
	*queries
	pool *pgxpool.Pool
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for wallet and outbox timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.queries.now = now
	}
}

// New creates a Store over pool
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		queries: &queries{q: pool, now: time.Now},
		pool:    pool,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn in a READ COMMITTED transaction. Row locks and the target
// advisory lock provide the isolation the match unit needs.
func (s *Store) InTx(ctx context.Context, fn func(tx contracts.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txn{queries: &queries{q: tx, now: s.now}}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// SQLSTATE codes the store translates
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// mapError turns lock contention into ErrConcurrencyConflict so callers can
// retry. Errors that already carry a kind pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", contracts.ErrConcurrencyConflict, pgErr.Message)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", contracts.ErrInvalidInput, pgErr.Message)
	case codeCheckViolation:
		// a counter CHECK fired under a race the conditional UPDATE missed
		return fmt.Errorf("%w: %s", contracts.ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
