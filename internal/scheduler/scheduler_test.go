package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/pkg/logger"
	"github.com/hipo/sharemarket/pkg/redis"
)

type fakeJob struct {
	name     string
	schedule string
	fails    int32
	runs     atomic.Int32
	block    chan struct{}
}

func (j *fakeJob) Name() string     { return j.name }
func (j *fakeJob) Schedule() string { return j.schedule }

func (j *fakeJob) Run(ctx context.Context) error {
	n := j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= j.fails {
		return errors.New("transient")
	}
	return nil
}

func TestAddJob(t *testing.T) {
	s := New(logger.Nop())

	require.NoError(t, s.AddJob(&fakeJob{name: "b", schedule: "0 * * * * *"}))
	require.NoError(t, s.AddJob(&fakeJob{name: "a", schedule: "@every 1m"}))

	assert.Error(t, s.AddJob(&fakeJob{name: "a", schedule: "@every 1m"}), "duplicate name")
	assert.Error(t, s.AddJob(&fakeJob{name: "c", schedule: "not a schedule"}))

	assert.Equal(t, []string{"a", "b"}, s.GetAllJobs())

	require.NoError(t, s.RemoveJob("a"))
	assert.Error(t, s.RemoveJob("a"))
	assert.Equal(t, []string{"b"}, s.GetAllJobs())
}

func TestRunNow_RetriesThenSucceeds(t *testing.T) {
	s := New(logger.Nop(), WithRetry(3, time.Millisecond))
	job := &fakeJob{name: "flaky", schedule: "@every 1h", fails: 2}
	require.NoError(t, s.AddJob(job))

	result, err := s.RunNow(context.Background(), "flaky")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(3), job.runs.Load())

	stats := s.GetJobStats()["flaky"]
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.NotNil(t, stats.LastSuccess)
}

func TestRunNow_FailsAfterRetries(t *testing.T) {
	s := New(logger.Nop(), WithRetry(1, time.Millisecond))
	job := &fakeJob{name: "broken", schedule: "@every 1h", fails: 100}
	require.NoError(t, s.AddJob(job))

	result, err := s.RunNow(context.Background(), "broken")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "transient", result.Error)
	assert.Equal(t, int32(2), job.runs.Load())

	history, err := s.GetJobHistory("broken")
	require.NoError(t, err)
	assert.Equal(t, 0.0, history.SuccessRate())
	assert.Equal(t, 1, history.ConsecutiveFailures())

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRunNow_SingletonLease(t *testing.T) {
	locker := redis.NewLocker(redis.Disabled(), "test")
	s := New(logger.Nop(), WithRetry(0, 0), WithLocker(locker, time.Minute))

	job := &fakeJob{name: "sweep", schedule: "@every 1h", block: make(chan struct{})}
	require.NoError(t, s.AddJob(job))

	first := make(chan JobResult, 1)
	go func() {
		r, _ := s.RunNow(context.Background(), "sweep")
		first <- r
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	second, err := s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(job.block)
	r := <-first
	assert.True(t, r.Success)
	assert.Equal(t, int32(1), job.runs.Load())

	// lease released
	third, err := s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.True(t, third.Success)

	stats := s.GetJobStats()["sweep"]
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.SkippedCount)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestStop_CancelsRetryWait(t *testing.T) {
	s := New(logger.Nop(), WithRetry(5, time.Hour))
	job := &fakeJob{name: "slow", schedule: "@every 1h", fails: 100}
	require.NoError(t, s.AddJob(job))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan JobResult, 1)
	go func() {
		r, _ := s.RunNow(ctx, "slow")
		done <- r
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, context.Canceled.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("retry wait ignored cancellation")
	}
}

func TestJobHistory_Bounded(t *testing.T) {
	h := newJobHistory(3)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.Add(JobResult{JobName: "sweep", StartTime: start.Add(time.Duration(i) * time.Minute), Success: i%2 == 0})
	}
	h.Add(JobResult{JobName: "sweep", Skipped: true})

	results := h.Results()
	require.Len(t, results, 3)
	assert.Equal(t, start.Add(2*time.Minute), results[0].StartTime)
	assert.Equal(t, start.Add(4*time.Minute), results[2].StartTime)
	assert.Equal(t, []JobResult{results[2]}, h.Latest(1))
	assert.Len(t, h.Latest(10), 3)
	assert.Empty(t, h.Latest(0))

	assert.Equal(t, 1, h.Failures())
	assert.InDelta(t, 2.0/3.0, h.SuccessRate(), 1e-9)
	assert.Equal(t, 1, h.Skipped())
	assert.Zero(t, h.ConsecutiveFailures())
}

func TestJobHistory_FailureStreak(t *testing.T) {
	h := newJobHistory(0)
	assert.Zero(t, h.SuccessRate())

	h.Add(JobResult{Success: true})
	h.Add(JobResult{Error: "drift"})
	h.Add(JobResult{Error: "drift"})
	assert.Equal(t, 2, h.ConsecutiveFailures())

	c := h.clone()
	h.Add(JobResult{Success: true})
	assert.Zero(t, h.ConsecutiveFailures())
	assert.Equal(t, 2, c.ConsecutiveFailures())
	assert.Equal(t, 3, c.Len())
}

func TestWithHistoryLimit(t *testing.T) {
	s := New(logger.Nop(), WithRetry(0, 0), WithHistoryLimit(2))
	job := &fakeJob{name: "rescan", schedule: "@every 1h"}
	require.NoError(t, s.AddJob(job))

	for i := 0; i < 4; i++ {
		_, err := s.RunNow(context.Background(), "rescan")
		require.NoError(t, err)
	}
	history, err := s.GetJobHistory("rescan")
	require.NoError(t, err)
	assert.Equal(t, 2, history.Len())
	assert.Equal(t, 2, s.GetJobStats()["rescan"].TotalRuns)
}
