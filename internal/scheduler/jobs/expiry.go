package jobs

import (
	"context"
	"fmt"

	"github.com/hipo/sharemarket/pkg/logger"
)

// ExpirySweeper closes open orders past their expiry
type ExpirySweeper interface {
	ExpireDue(ctx context.Context, batch int) (int, error)
}

// ExpirySweepJob refunds and closes expired orders
// ⭐ SSOT: the expiry schedule is owned by this job
type ExpirySweepJob struct {
	book     ExpirySweeper
	schedule string
	batch    int
	logger   *logger.Logger
}

// NewExpirySweepJob creates a new expiry sweep job
func NewExpirySweepJob(book ExpirySweeper, schedule string, batch int, log *logger.Logger) *ExpirySweepJob {
	return &ExpirySweepJob{
		book:     book,
		schedule: schedule,
		batch:    batch,
		logger:   log,
	}
}

// Name returns the job name
func (j *ExpirySweepJob) Name() string {
	return "expiry_sweep"
}

// Schedule returns the cron schedule
func (j *ExpirySweepJob) Schedule() string {
	return j.schedule
}

// Run drains expired orders batch by batch until a short batch comes back
func (j *ExpirySweepJob) Run(ctx context.Context) error {
	total := 0
	for {
		n, err := j.book.ExpireDue(ctx, j.batch)
		total += n
		if err != nil {
			return fmt.Errorf("expiry sweep failed after %d orders: %w", total, err)
		}
		if j.batch <= 0 || n < j.batch {
			break
		}
	}

	if total > 0 {
		j.logger.WithField("expired", total).Info("Expiry sweep completed")
	}
	return nil
}
