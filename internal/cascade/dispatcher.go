// Package cascade delivers TradeSettled events to the subsystems that react
// to ownership changes.
//
// Settlement writes each event to a transactional outbox in the same commit
// as the trade. The Dispatcher claims due events after commit and runs every
// Handler on them, so handlers never execute inside a settlement and can
// never roll one back. A failed event is retried with exponential backoff and
// dead-lettered after MaxAttempts. A retry only runs the handlers that have
// not succeeded yet.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/metrics"
)

// Handler reacts to one settled trade. Handlers must be idempotent: a lease
// that runs out mid-delivery hands the event to another dispatcher, which
// repeats whatever was not recorded yet.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event contracts.TradeSettled) error
}

// Config tunes delivery
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Dispatcher drains the outbox
// ⭐ SSOT: post-settlement effects run only through the dispatcher
type Dispatcher struct {
	outbox   contracts.Outbox
	handlers []Handler
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time
	wake     chan struct{}
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(outbox contracts.Outbox, cfg Config, m *metrics.Metrics, log *logger.Logger, handlers ...Handler) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		outbox:   outbox,
		handlers: handlers,
		cfg:      cfg,
		metrics:  m,
		logger:   log.WithComponent("cascade"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// WithClock replaces the dispatcher clock
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Notify wakes Run without waiting for the next poll. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls the outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.WithFields(map[string]interface{}{
		"handlers":      len(d.handlers),
		"poll_interval": d.cfg.PollInterval.String(),
	}).Info("Cascade dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Cascade dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}

		// keep draining while full batches come back
		for {
			n, err := d.DispatchPending(ctx)
			if err != nil {
				d.logger.WithError(err).Error("Failed to dispatch outbox")
				break
			}
			if n < d.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
	}
}

// DispatchPending claims one batch of due events and delivers it. It
// returns how many events were claimed.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	events, err := d.outbox.ClaimEvents(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim events: %w", err)
	}

	for _, ev := range events {
		if err := d.deliver(ctx, ev); err != nil {
			return len(events), err
		}
	}
	return len(events), nil
}

// deliver runs the pending handlers on ev and records the outcome. The returned
// error is an outbox bookkeeping failure; handler failures are recorded on
// the event instead.
func (d *Dispatcher) deliver(ctx context.Context, ev contracts.OutboxEvent) error {
	log := d.logger.WithTrade(ev.Event.TradeID, ev.Event.TargetID).WithField("attempt", ev.Attempts)

	delivered, herr := d.runHandlers(ctx, ev, log)
	if herr == nil {
		if err := d.outbox.CompleteEvent(ctx, ev.ID); err != nil {
			return fmt.Errorf("failed to complete event %d: %w", ev.ID, err)
		}
		return nil
	}

	if ev.Attempts >= d.cfg.MaxAttempts {
		d.metrics.CascadeDeadLetter()
		log.WithError(herr).Error("Cascade event dead-lettered")
		if err := d.outbox.DeadEvent(ctx, ev.ID, herr.Error()); err != nil {
			return fmt.Errorf("failed to dead-letter event %d: %w", ev.ID, err)
		}
		return nil
	}

	next := d.now().Add(d.backoff(ev.Attempts))
	log.WithError(herr).WithField("next_attempt_at", next).Warn("Cascade event will be retried")
	if err := d.outbox.RetryEvent(ctx, ev.ID, next, herr.Error(), delivered); err != nil {
		return fmt.Errorf("failed to reschedule event %d: %w", ev.ID, err)
	}
	return nil
}

// runHandlers runs the handlers not yet delivered for ev and returns the
// full set of delivered handler names
func (d *Dispatcher) runHandlers(ctx context.Context, ev contracts.OutboxEvent, log *logger.Logger) ([]string, error) {
	done := make(map[string]bool, len(ev.Delivered))
	for _, name := range ev.Delivered {
		done[name] = true
	}

	delivered := append([]string(nil), ev.Delivered...)
	var errs []error
	for _, h := range d.handlers {
		if done[h.Name()] {
			continue
		}
		if err := h.Handle(ctx, ev.Event); err != nil {
			d.metrics.CascadeFailure(h.Name())
			log.WithError(err).WithField("handler", h.Name()).Warn("Cascade handler failed")
			errs = append(errs, fmt.Errorf("%w: %s: %w", contracts.ErrCascadeFailure, h.Name(), err))
			continue
		}
		delivered = append(delivered, h.Name())
	}
	return delivered, errors.Join(errs...)
}

// backoff returns BaseBackoff × 2^(attempts−1), capped at MaxBackoff
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}
