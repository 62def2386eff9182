package jobs

import (
	"context"
	"fmt"

	"github.com/hipo/sharemarket/pkg/logger"
)

// LeadershipRescanner re-elects every active community
type LeadershipRescanner interface {
	RescanAll(ctx context.Context) (int, error)
}

// LeadershipRescanJob catches position changes that reached a community
// without a trade event, such as grants and transfers
type LeadershipRescanJob struct {
	communities LeadershipRescanner
	schedule    string
	logger      *logger.Logger
}

// NewLeadershipRescanJob creates a new leadership rescan job
func NewLeadershipRescanJob(communities LeadershipRescanner, schedule string, log *logger.Logger) *LeadershipRescanJob {
	return &LeadershipRescanJob{
		communities: communities,
		schedule:    schedule,
		logger:      log,
	}
}

// Name returns the job name
func (j *LeadershipRescanJob) Name() string {
	return "leadership_rescan"
}

// Schedule returns the cron schedule (every 10 minutes by default)
func (j *LeadershipRescanJob) Schedule() string {
	return j.schedule
}

// Run executes the rescan
func (j *LeadershipRescanJob) Run(ctx context.Context) error {
	changed, err := j.communities.RescanAll(ctx)
	if err != nil {
		return fmt.Errorf("leadership rescan failed: %w", err)
	}
	if changed > 0 {
		j.logger.WithField("changed", changed).Info("Community leaders replaced")
	}
	return nil
}
