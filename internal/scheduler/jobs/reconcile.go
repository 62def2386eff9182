package jobs

import (
	"context"
	"fmt"

	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/pkg/logger"
)

// Reconciler compares position counters with the ledger
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]ledger.Drift, error)
}

// ReconcileJob verifies every holdings counter against the ledger sum
type ReconcileJob struct {
	ledger   Reconciler
	schedule string
	logger   *logger.Logger
}

// NewReconcileJob creates a new reconciliation job
func NewReconcileJob(l Reconciler, schedule string, log *logger.Logger) *ReconcileJob {
	return &ReconcileJob{
		ledger:   l,
		schedule: schedule,
		logger:   log,
	}
}

// Name returns the job name
func (j *ReconcileJob) Name() string {
	return "ledger_reconcile"
}

// Schedule returns the cron schedule
func (j *ReconcileJob) Schedule() string {
	return j.schedule
}

// Run fails when any counter drifted so the failure shows in job stats
func (j *ReconcileJob) Run(ctx context.Context) error {
	drifts, err := j.ledger.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	if len(drifts) > 0 {
		return fmt.Errorf("%d holdings drifted from the ledger", len(drifts))
	}
	j.logger.Debug("Ledger reconciled")
	return nil
}
