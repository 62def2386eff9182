package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/redis"
)

// Scheduler manages scheduled jobs. With a Locker every run first takes a
// named lease, so each job runs on one instance at a time.
// ⭐ SSOT: periodic work is scheduled only here
type Scheduler struct {
	cron    *cron.Cron
	logger  *logger.Logger
	jobs    map[string]Job
	entries map[string]cron.EntryID
	history map[string]*JobHistory
	mu      sync.RWMutex

	locker  *redis.Locker
	lockTTL time.Duration

	// Retry configuration
	maxRetries int
	retryDelay time.Duration

	historyLimit int

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithRetry sets how often a failed run is retried and the pause between
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *Scheduler) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

// WithLocker makes every job a cluster-wide singleton
func WithLocker(locker *redis.Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = locker
		s.lockTTL = ttl
	}
}

// WithHistoryLimit sets how many results each job keeps
func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) {
		s.historyLimit = n
	}
}

// New creates a new scheduler
func New(log *logger.Logger, opts ...Option) *Scheduler {
	log = log.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
		),
		logger:       log,
		jobs:         make(map[string]Job),
		entries:      make(map[string]cron.EntryID),
		history:      make(map[string]*JobHistory),
		lockTTL:      5 * time.Minute,
		maxRetries:   3,
		retryDelay:   1 * time.Minute,
		historyLimit: DefaultHistoryLimit,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob adds a job to the scheduler
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobName := job.Name()

	if _, exists := s.jobs[jobName]; exists {
		return fmt.Errorf("job %s already exists", jobName)
	}

	id, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", jobName, err)
	}

	s.jobs[jobName] = job
	s.entries[jobName] = id
	s.history[jobName] = newJobHistory(s.historyLimit)

	s.logger.WithFields(map[string]interface{}{
		"job":      jobName,
		"schedule": job.Schedule(),
	}).Info("Job added to scheduler")

	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobName]; !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	s.cron.Remove(s.entries[jobName])
	delete(s.jobs, jobName)
	delete(s.entries, jobName)
	s.logger.WithField("job", jobName).Info("Job removed from scheduler")

	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.cron.Start()
}

// Stop stops the scheduler, cancels running jobs and waits for them
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Run starts the scheduler and stops it when ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunJob runs a specific job immediately (outside of schedule)
func (s *Scheduler) RunJob(jobName string) error {
	job, err := s.job(jobName)
	if err != nil {
		return err
	}

	go s.runJob(s.ctx, job)
	return nil
}

// RunNow runs a job synchronously and returns its result
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (JobResult, error) {
	job, err := s.job(jobName)
	if err != nil {
		return JobResult{}, err
	}
	return s.runJob(ctx, job), nil
}

func (s *Scheduler) job(jobName string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}
	return job, nil
}

// runJob executes a job with retry logic
func (s *Scheduler) runJob(ctx context.Context, job Job) JobResult {
	jobName := job.Name()
	startTime := time.Now()
	log := s.logger.WithField("job", jobName)

	if s.locker != nil {
		lease, err := s.locker.TryAcquire(ctx, "job:"+jobName, s.lockTTL)
		if err != nil {
			log.WithError(err).Error("Failed to acquire job lease")
			return s.record(JobResult{JobName: jobName, StartTime: startTime, EndTime: time.Now(), Error: err.Error()})
		}
		if lease == nil {
			log.Debug("Job is running elsewhere, skipping")
			return s.record(JobResult{JobName: jobName, StartTime: startTime, EndTime: time.Now(), Skipped: true})
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				log.WithError(err).Warn("Failed to release job lease")
			}
		}()
	}

	log.Info("Job started")

	var lastErr error
	var success bool

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := job.Run(ctx)
		if err == nil {
			success = true
			break
		}

		lastErr = err
		log.WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Job execution failed, retrying")

		if attempt == s.maxRetries {
			break
		}
		if err := sleepWithContext(ctx, s.retryDelay); err != nil {
			lastErr = fmt.Errorf("%w (last error: %v)", err, lastErr)
			break
		}
	}

	endTime := time.Now()
	result := JobResult{
		JobName:   jobName,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
		Success:   success,
	}
	if !success && lastErr != nil {
		result.Error = lastErr.Error()
	}
	s.record(result)

	if success {
		log.WithField("duration", result.Duration).Info("Job completed successfully")
	} else {
		log.WithFields(map[string]interface{}{
			"duration": result.Duration,
			"error":    result.Error,
		}).Error("Job failed after all retries")
	}
	return result
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) record(result JobResult) JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if history, exists := s.history[result.JobName]; exists {
		history.Add(result)
	}
	return result
}

// GetJobHistory returns a copy of the history for a specific job
func (s *Scheduler) GetJobHistory(jobName string) (*JobHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.history[jobName]
	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}

	return history.clone(), nil
}

// GetAllJobs returns all registered job names, sorted
func (s *Scheduler) GetAllJobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]string, 0, len(s.jobs))
	for jobName := range s.jobs {
		jobs = append(jobs, jobName)
	}
	sort.Strings(jobs)

	return jobs
}

// GetJobStats returns statistics for all jobs
func (s *Scheduler) GetJobStats() map[string]JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]JobStats)

	for jobName, job := range s.jobs {
		history := s.history[jobName]

		var lastRun *time.Time
		if latest := history.Latest(1); len(latest) > 0 {
			lastRun = &latest[0].StartTime
		}

		failures := history.Failures()
		stats[jobName] = JobStats{
			JobName:             jobName,
			Schedule:            job.Schedule(),
			TotalRuns:           history.Len(),
			SuccessCount:        history.Len() - failures,
			FailureCount:        failures,
			SkippedCount:        history.Skipped(),
			ConsecutiveFailures: history.ConsecutiveFailures(),
			SuccessRate:         history.SuccessRate(),
			LastRun:             lastRun,
			LastSuccess:         history.lastSuccess,
			LastFailure:         history.lastFailure,
		}
	}

	return stats
}

// JobStats represents statistics for a job
type JobStats struct {
	JobName             string     `json:"job_name"`
	Schedule            string     `json:"schedule"`
	TotalRuns           int        `json:"total_runs"`
	SuccessCount        int        `json:"success_count"`
	FailureCount        int        `json:"failure_count"`
	SkippedCount        int        `json:"skipped_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// cronLogger routes robfig/cron messages into our logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
