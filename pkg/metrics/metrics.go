package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hipo/sharemarket/pkg/config"
	"github.com/hipo/sharemarket/pkg/logger"
)

// Metrics holds the market core's prometheus collectors.
// A nil *Metrics is valid and records nothing.
// ⭐ SSOT: metric names are defined only here
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced        *prometheus.CounterVec
	ordersRejected      *prometheus.CounterVec
	ordersClosed        *prometheus.CounterVec
	tradesSettled       prometheus.Counter
	settlementConflicts prometheus.Counter
	settlementDuration  prometheus.Histogram
	cascadeFailures     *prometheus.CounterVec
	cascadeDeadLetters  prometheus.Counter
}

// New creates Metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "orders_placed_total",
			Help:      "Orders accepted into the book.",
		}, []string{"side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected before insertion, by error kind.",
		}, []string{"kind"}),
		ordersClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "orders_closed_total",
			Help:      "Orders cancelled or expired.",
		}, []string{"status"}),
		tradesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "trades_settled_total",
			Help:      "Committed settlement units.",
		}),
		settlementConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "settlement_conflicts_total",
			Help:      "Settlement units aborted by a concurrency conflict.",
		}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sharemarket",
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of one settlement unit.",
			Buckets:   prometheus.DefBuckets,
		}),
		cascadeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "cascade_failures_total",
			Help:      "Cascade handler failures, by handler.",
		}, []string{"handler"}),
		cascadeDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharemarket",
			Name:      "cascade_dead_letters_total",
			Help:      "Trade events that exhausted their delivery attempts.",
		}),
	}

	m.registry.MustRegister(
		m.ordersPlaced,
		m.ordersRejected,
		m.ordersClosed,
		m.tradesSettled,
		m.settlementConflicts,
		m.settlementDuration,
		m.cascadeFailures,
		m.cascadeDeadLetters,
	)
	return m
}

// Registry exposes the underlying registry (tests and the /metrics handler)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderPlaced(side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(side).Inc()
}

func (m *Metrics) OrderRejected(kind string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) OrderClosed(status string) {
	if m == nil {
		return
	}
	m.ordersClosed.WithLabelValues(status).Inc()
}

// TradeSettled records one committed settlement unit and its duration
func (m *Metrics) TradeSettled(d time.Duration) {
	if m == nil {
		return
	}
	m.tradesSettled.Inc()
	m.settlementDuration.Observe(d.Seconds())
}

func (m *Metrics) SettlementConflict() {
	if m == nil {
		return
	}
	m.settlementConflicts.Inc()
}

func (m *Metrics) CascadeFailure(handler string) {
	if m == nil {
		return
	}
	m.cascadeFailures.WithLabelValues(handler).Inc()
}

func (m *Metrics) CascadeDeadLetter() {
	if m == nil {
		return
	}
	m.cascadeDeadLetters.Inc()
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on cfg.MetricsPort until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.MetricsPort).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
