package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application
// ⭐ SSOT: every environment variable is read here and nowhere else
type Config struct {
	// Server
	Port        string
	Env         string // development, staging, production
	CORSOrigins []string

	// Storage
	StoreDriver string // postgres, memory
	Database    DatabaseConfig

	// Redis
	Redis RedisConfig

	// Market rules
	Market MarketConfig

	// Background work
	Scheduler SchedulerConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
	MetricsPort    string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// LockTimeout bounds row and advisory lock waits; a timed out wait
	// surfaces as a concurrency conflict
	LockTimeout time.Duration
}

// MarketConfig holds order book and cascade rules
type MarketConfig struct {
	OrderTTL        time.Duration
	MatchRetryLimit int
	ReferralRate    decimal.Decimal
	PlaceRateLimit  int // orders per user per minute, 0 disables
	TradesCacheTTL  time.Duration
}

// SchedulerConfig holds cron schedules (with seconds) and outbox tuning
type SchedulerConfig struct {
	ExpirySchedule     string
	LeadershipSchedule string
	ReconcileSchedule  string
	LeaderLockTTL      time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxLease        time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: the only function that calls os.Getenv()
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		// Server
		Port:        getEnv("PORT", "8089"),
		Env:         getEnv("ENV", "development"),
		CORSOrigins: getEnvAsList("CORS_ORIGINS", "*"),

		// Storage
		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
			LockTimeout:     getEnvAsDuration("DB_LOCK_TIMEOUT", "5s"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Market: MarketConfig{
			OrderTTL:        getEnvAsDuration("ORDER_TTL", "24h"),
			MatchRetryLimit: getEnvAsInt("MATCH_RETRY_LIMIT", 3),
			ReferralRate:    getEnvAsDecimal("REFERRAL_RATE", "0.05"),
			PlaceRateLimit:  getEnvAsInt("PLACE_RATE_LIMIT", 60),
			TradesCacheTTL:  getEnvAsDuration("TRADES_CACHE_TTL", "30s"),
		},

		Scheduler: SchedulerConfig{
			ExpirySchedule:     getEnv("EXPIRY_SCHEDULE", "0 * * * * *"),
			LeadershipSchedule: getEnv("LEADERSHIP_SCHEDULE", "0 */10 * * * *"),
			ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", "0 30 3 * * *"),
			LeaderLockTTL:      getEnvAsDuration("LEADER_LOCK_TTL", "5m"),
			OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", "2s"),
			OutboxBatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
			OutboxMaxAttempts:  getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
			OutboxLease:        getEnvAsDuration("OUTBOX_LEASE", "1m"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	switch c.StoreDriver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: postgres, memory")
	}

	if c.Database.LockTimeout < 0 {
		return fmt.Errorf("DB_LOCK_TIMEOUT must not be negative")
	}

	if c.Market.OrderTTL <= 0 {
		return fmt.Errorf("ORDER_TTL must be positive")
	}
	if c.Market.MatchRetryLimit < 1 {
		return fmt.Errorf("MATCH_RETRY_LIMIT must be at least 1")
	}
	if c.Market.ReferralRate.IsNegative() || c.Market.ReferralRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("REFERRAL_RATE must be in [0, 1)")
	}
	if c.Scheduler.OutboxMaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// IsProduction reports whether ENV=production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{
		".env",
		"backend/.env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}

	return value
}

func getEnvAsList(key string, defaultValue string) []string {
	valueStr := getEnv(key, defaultValue)

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
