package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hipo/sharemarket/internal/api"
	"github.com/hipo/sharemarket/internal/api/handlers"
	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/redis"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, trade feed, cascade dispatcher and scheduler",
	Long: `Starts every long-running part of the market in one process.

Components:
- REST API and /ws/trades feed on PORT
- Cascade dispatcher draining the trade outbox
- Scheduler: expiry sweep, leadership rescan, ledger reconciliation
- Prometheus metrics on METRICS_PORT (when METRICS_ENABLED)

Flags --no-scheduler and --no-dispatcher let extra API replicas skip the
background work.

Example:
  go run ./cmd/sharemarket serve
  go run ./cmd/sharemarket serve --port 8080 --store memory`,
	RunE: runServe,
}

var (
	servePort         string
	serveNoScheduler  bool
	serveNoDispatcher bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "", "API server port (overrides PORT)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not run periodic jobs")
	serveCmd.Flags().BoolVar(&serveNoDispatcher, "no-dispatcher", false, "do not drain the cascade outbox")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if servePort != "" {
		a.cfg.Port = servePort
	}
	log := a.log

	hub := api.NewHub(log)
	dispatcher := a.dispatcher(hub)
	cache := redis.NewCache(a.redis, keyPrefix)

	// wake the dispatcher right after commit and drop the stale trade list
	a.book.OnTrades(func(ctx context.Context, trades []contracts.Trade) {
		dispatcher.Notify()
		seen := make(map[string]bool, 1)
		for _, t := range trades {
			if seen[t.TargetID] {
				continue
			}
			seen[t.TargetID] = true
			if err := cache.Delete(ctx, redis.TradesKey(t.TargetID)); err != nil {
				log.WithError(err).WithField("target_id", t.TargetID).Warn("Failed to invalidate trades cache")
			}
		}
	})

	router := api.NewRouter(api.Handlers{
		Orders: handlers.NewOrderHandler(a.book, redis.NewRateLimiter(a.redis, keyPrefix),
			a.cfg.Market.PlaceRateLimit, cache, a.cfg.Market.TradesCacheTTL, log),
		Shareholders: handlers.NewShareholderHandler(a.ledger, a.shareholders, log),
		Wallets:      handlers.NewWalletHandler(a.wallets, log),
		Communities:  handlers.NewCommunityHandler(a.communities, log),
		Referrals:    handlers.NewReferralHandler(a.referrals, log),
	}, hub, log)
	server := api.New(a.cfg, log, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })

	if !serveNoDispatcher {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}

	if !serveNoScheduler {
		sched, err := a.scheduler()
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	if a.cfg.MetricsEnabled {
		g.Go(func() error { return a.metrics.Serve(gctx, a.cfg, log) })
	}

	fmt.Printf("\n✅ Server running on http://localhost:%s\n", a.cfg.Port)
	fmt.Println("   Trade feed: ws://localhost:" + a.cfg.Port + "/ws/trades")
	fmt.Println("\nPress Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
