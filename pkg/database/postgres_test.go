package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/pkg/config"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestHealthCheck(t *testing.T) {
	db := testDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, db.Ping(ctx))

	status, err := db.HealthCheck(ctx, nil)
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Pending)
	assert.NotZero(t, status.Stats.MaxConns)
	assert.NotZero(t, db.Stats().MaxConns)

	missing := Migration{Version: "9999_never_applied", SQL: `SELECT 1`}
	status, err = db.HealthCheck(ctx, []Migration{missing})
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.Equal(t, []string{missing.Version}, status.Pending)
}

func TestLockTimeout_AppliedToSessions(t *testing.T) {
	db := testDB(t)

	var appName string
	require.NoError(t, db.Pool.QueryRow(context.Background(), `SHOW application_name`).Scan(&appName))
	assert.NotEmpty(t, appName)

	var lockTimeout string
	require.NoError(t, db.Pool.QueryRow(context.Background(), `SHOW lock_timeout`).Scan(&lockTimeout))
	assert.NotEqual(t, "0", lockTimeout)
}

func TestPending(t *testing.T) {
	expected := []Migration{{Version: "0001_market"}, {Version: "0002_social"}, {Version: "0003_next"}}

	tests := []struct {
		name    string
		applied []string
		want    []string
	}{
		{"fresh database", nil, []string{"0001_market", "0002_social", "0003_next"}},
		{"partially applied", []string{"0001_market"}, []string{"0002_social", "0003_next"}},
		{"up to date", []string{"0001_market", "0002_social", "0003_next"}, nil},
		{"unknown versions ignored", []string{"0001_market", "0002_social", "0003_next", "test_x"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Pending(tt.applied, expected))
		})
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := config.DatabaseConfig{
		URL:             "postgresql://u:p@localhost:5432/market",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: time.Minute,
		LockTimeout:     1500 * time.Millisecond,
	}

	pc, err := PoolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(10), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, "1500", pc.ConnConfig.RuntimeParams["lock_timeout"])
	assert.Equal(t, ApplicationName, pc.ConnConfig.RuntimeParams["application_name"])

	cfg.URL += "?application_name=worker"
	cfg.LockTimeout = 0
	pc, err = PoolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "worker", pc.ConnConfig.RuntimeParams["application_name"])
	assert.NotContains(t, pc.ConnConfig.RuntimeParams, "lock_timeout")
}

func TestPoolStats_Saturated(t *testing.T) {
	assert.False(t, PoolStats{}.Saturated())
	assert.False(t, PoolStats{MaxConns: 4, AcquiredConns: 3}.Saturated())
	assert.True(t, PoolStats{MaxConns: 4, AcquiredConns: 4}.Saturated())
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	version := "test_" + time.Now().UTC().Format("20060102150405.000000000")
	migrations := []Migration{{
		Version: version,
		SQL:     `CREATE TEMP TABLE IF NOT EXISTS migrate_probe (id INT)`,
	}}

	applied, err := db.Migrate(ctx, migrations)
	require.NoError(t, err)
	assert.Equal(t, []string{version}, applied)

	applied, err = db.Migrate(ctx, migrations)
	require.NoError(t, err)
	assert.Empty(t, applied)

	versions, err := db.Applied(ctx)
	require.NoError(t, err)
	assert.Contains(t, versions, version)

	_, err = db.Pool.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
	require.NoError(t, err)
}

func TestNew_InvalidURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"bad scheme", "invalid://url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Database: config.DatabaseConfig{
					URL:             tt.url,
					MaxConns:        25,
					MinConns:        5,
					MaxConnLifetime: time.Hour,
					MaxConnIdleTime: 30 * time.Minute,
				},
			}
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestClose_Twice(t *testing.T) {
	db := testDB(t)
	db.Close()
	db.Close()
}
