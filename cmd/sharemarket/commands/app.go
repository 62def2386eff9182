package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/hipo/sharemarket/internal/cascade"
	"github.com/hipo/sharemarket/internal/community"
	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/internal/orderbook"
	"github.com/hipo/sharemarket/internal/referral"
	"github.com/hipo/sharemarket/internal/scheduler"
	"github.com/hipo/sharemarket/internal/scheduler/jobs"
	"github.com/hipo/sharemarket/internal/settlement"
	"github.com/hipo/sharemarket/internal/shareholder"
	"github.com/hipo/sharemarket/internal/store/memory"
	"github.com/hipo/sharemarket/internal/store/postgres"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/config"
	"github.com/hipo/sharemarket/pkg/database"
	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/metrics"
	"github.com/hipo/sharemarket/pkg/redis"
)

// keyPrefix namespaces every redis key of this service
const keyPrefix = "sm"

// app holds every service of one process
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.DB // nil for the memory store
	redis   *redis.Client
	metrics *metrics.Metrics

	store        contracts.Store
	book         *orderbook.Book
	ledger       *ledger.Service
	wallets      *wallet.Service
	shareholders *shareholder.Service
	communities  *community.Service
	referrals    *referral.Service
}

// loadConfig applies the global flags on top of the environment
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if storeDriver != "" {
		cfg.StoreDriver = storeDriver
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newApp connects the store and redis and builds the services
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg)

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	switch cfg.StoreDriver {
	case "memory":
		log.Warn("Using in-memory store, state is lost on exit")
		a.store = memory.New()
	default:
		db, err := database.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		a.store = postgres.New(db.Pool)
	}

	a.redis, err = redis.New(cfg)
	if err != nil {
		// redis only backs caches, rate limits and job leases
		log.WithError(err).Warn("Redis unavailable, using in-process fallbacks")
		a.redis = redis.Disabled()
	}

	settler := settlement.NewSettler(a.store, a.metrics, log)
	a.book = orderbook.NewBook(a.store, settler, orderbook.Config{
		OrderTTL:        cfg.Market.OrderTTL,
		MatchRetryLimit: cfg.Market.MatchRetryLimit,
	}, a.metrics, log)
	a.ledger = ledger.NewService(a.store, log)
	a.wallets = wallet.NewService(a.store, log)
	a.shareholders = shareholder.NewService(a.store, log)
	a.communities = community.NewService(a.store, log)
	a.referrals = referral.NewService(a.store, cfg.Market.ReferralRate, log)

	log.WithFields(map[string]interface{}{
		"store": cfg.StoreDriver,
		"redis": a.redis.Enabled(),
		"env":   cfg.Env,
	}).Info("Services initialized")
	return a, nil
}

// dispatcher builds the cascade dispatcher. pub may be nil when no live
// feed runs in this process.
func (a *app) dispatcher(pub cascade.Publisher) *cascade.Dispatcher {
	handlers := []cascade.Handler{
		cascade.NewBadgeSync(a.store),
		cascade.NewLeadership(a.communities),
		cascade.NewReferralCommission(a.referrals),
	}
	if pub != nil {
		handlers = append(handlers, cascade.NewBroadcast(pub))
	}

	sc := a.cfg.Scheduler
	return cascade.NewDispatcher(a.store, cascade.Config{
		PollInterval: sc.OutboxPollInterval,
		BatchSize:    sc.OutboxBatchSize,
		MaxAttempts:  sc.OutboxMaxAttempts,
		Lease:        sc.OutboxLease,
	}, a.metrics, a.log, handlers...)
}

// scheduler registers the periodic jobs as singletons across instances
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	sc := a.cfg.Scheduler
	sched := scheduler.New(a.log,
		scheduler.WithRetry(2, 5*time.Second),
		scheduler.WithLocker(redis.NewLocker(a.redis, keyPrefix), sc.LeaderLockTTL),
	)

	for _, job := range []scheduler.Job{
		jobs.NewExpirySweepJob(a.book, sc.ExpirySchedule, orderbook.DefaultExpiryBatch, a.log),
		jobs.NewLeadershipRescanJob(a.communities, sc.LeadershipSchedule, a.log),
		jobs.NewReconcileJob(a.ledger, sc.ReconcileSchedule, a.log),
	} {
		if err := sched.AddJob(job); err != nil {
			return nil, fmt.Errorf("add job %s: %w", job.Name(), err)
		}
	}
	return sched, nil
}

// Close releases connections
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
