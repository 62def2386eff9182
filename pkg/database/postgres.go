package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hipo/sharemarket/pkg/config"
)

// ApplicationName tags every session in pg_stat_activity
const ApplicationName = "sharemarket"

// DB owns the market's connection pool
// ⭐ SSOT: the pool is created only in this package
type DB struct {
	Pool *pgxpool.Pool
}

// New parses cfg into a pool config, connects and pings.
// ⭐ SSOT: the only caller of pgxpool.NewWithConfig
func New(cfg *config.Config) (*DB, error) {
	poolConfig, err := PoolConfig(cfg.Database)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// PoolConfig builds the pgxpool config. Sessions get a lock_timeout so a
// match unit stuck behind another target's lock fails with SQLSTATE 55P03
// instead of waiting forever.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	params := poolConfig.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = ApplicationName
	}
	if cfg.LockTimeout > 0 {
		params["lock_timeout"] = strconv.FormatInt(cfg.LockTimeout.Milliseconds(), 10)
	}
	return poolConfig, nil
}

// Close closes the pool. Safe to call twice.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// HealthStatus is what `sharemarket doctor` and readiness checks report
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Timestamp    time.Time     `json:"timestamp"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	Stats        PoolStats     `json:"stats"`

	// SchemaVersion is the newest applied migration; Pending lists the
	// expected migrations not applied yet
	SchemaVersion string   `json:"schema_version,omitempty"`
	Pending       []string `json:"pending,omitempty"`
}

// HealthCheck pings, samples the pool and compares the applied schema with
// expected. The database is healthy only when nothing is pending.
func (db *DB) HealthCheck(ctx context.Context, expected []Migration) (*HealthStatus, error) {
	status := &HealthStatus{Timestamp: time.Now()}

	start := time.Now()
	if err := db.Pool.Ping(ctx); err != nil {
		status.Error = err.Error()
		return status, err
	}
	status.ResponseTime = time.Since(start)
	status.Stats = db.Stats()

	applied, err := db.Applied(ctx)
	if err != nil {
		status.Error = err.Error()
		return status, err
	}
	if len(applied) > 0 {
		status.SchemaVersion = applied[len(applied)-1]
	}
	status.Pending = Pending(applied, expected)
	if len(status.Pending) > 0 {
		status.Error = fmt.Sprintf("%d migrations not applied", len(status.Pending))
		return status, nil
	}

	status.Healthy = true
	return status, nil
}

// Pending returns the versions in expected that are missing from applied,
// in expected order
func Pending(applied []string, expected []Migration) []string {
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	var missing []string
	for _, m := range expected {
		if !done[m.Version] {
			missing = append(missing, m.Version)
		}
	}
	return missing
}

// PoolStats is a snapshot of pgxpool.Stat
type PoolStats struct {
	AcquireCount         int64         `json:"acquire_count"`
	AcquireDuration      time.Duration `json:"acquire_duration"`
	AcquiredConns        int32         `json:"acquired_conns"`
	CanceledAcquireCount int64         `json:"canceled_acquire_count"`
	EmptyAcquireCount    int64         `json:"empty_acquire_count"`
	IdleConns            int32         `json:"idle_conns"`
	MaxConns             int32         `json:"max_conns"`
	TotalConns           int32         `json:"total_conns"`
}

// Saturated reports whether every connection is checked out, which is when
// match units start queueing for a connection
func (p PoolStats) Saturated() bool {
	return p.MaxConns > 0 && p.AcquiredConns >= p.MaxConns
}

func (db *DB) Stats() PoolStats {
	s := db.Pool.Stat()
	return PoolStats{
		AcquireCount:         s.AcquireCount(),
		AcquireDuration:      s.AcquireDuration(),
		AcquiredConns:        s.AcquiredConns(),
		CanceledAcquireCount: s.CanceledAcquireCount(),
		EmptyAcquireCount:    s.EmptyAcquireCount(),
		IdleConns:            s.IdleConns(),
		MaxConns:             s.MaxConns(),
		TotalConns:           s.TotalConns(),
	}
}
