package scheduler

import (
	"context"
	"time"
)

// Job is one periodic unit of market maintenance (expiry sweep, leadership
// rescan, reconciliation)
// ⭐ SSOT: the job interface is defined only here
type Job interface {
	Name() string

	// Run executes one pass. A returned error is retried by the scheduler.
	Run(ctx context.Context) error

	// Schedule returns the cron expression, seconds first
	// Examples: "0 * * * * *" (every minute), "@every 10m"
	Schedule() string
}

// JobResult is the outcome of one scheduled or manual run
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"` // another instance held the lease
	Error     string        `json:"error,omitempty"`
}

// DefaultHistoryLimit is how many results each job keeps
const DefaultHistoryLimit = 100

// JobHistory keeps the newest results of one job in a fixed ring.
// Skipped runs are counted but not stored: on a multi-instance deployment
// most ticks are skips and would push real runs out.
type JobHistory struct {
	results []JobResult
	next    int
	full    bool

	skipped     int
	failStreak  int
	lastSuccess *time.Time
	lastFailure *time.Time
}

func newJobHistory(limit int) *JobHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &JobHistory{results: make([]JobResult, limit)}
}

// Add records a result, overwriting the oldest once the ring is full
func (h *JobHistory) Add(r JobResult) {
	if r.Skipped {
		h.skipped++
		return
	}

	h.results[h.next] = r
	h.next = (h.next + 1) % len(h.results)
	if h.next == 0 {
		h.full = true
	}

	at := r.StartTime
	if r.Success {
		h.failStreak = 0
		h.lastSuccess = &at
	} else {
		h.failStreak++
		h.lastFailure = &at
	}
}

// Len is the number of stored (non-skipped) results
func (h *JobHistory) Len() int {
	if h.full {
		return len(h.results)
	}
	return h.next
}

// Results returns the stored results oldest first
func (h *JobHistory) Results() []JobResult {
	out := make([]JobResult, 0, h.Len())
	if h.full {
		out = append(out, h.results[h.next:]...)
	}
	return append(out, h.results[:h.next]...)
}

// Latest returns up to n results, newest last
func (h *JobHistory) Latest(n int) []JobResult {
	all := h.Results()
	if n > len(all) {
		n = len(all)
	}
	if n <= 0 {
		return []JobResult{}
	}
	return all[len(all)-n:]
}

// Failures counts stored failed runs
func (h *JobHistory) Failures() int {
	n := 0
	for _, r := range h.Results() {
		if !r.Success {
			n++
		}
	}
	return n
}

// SuccessRate is over stored runs only (0.0 - 1.0)
func (h *JobHistory) SuccessRate() float64 {
	total := h.Len()
	if total == 0 {
		return 0.0
	}
	return float64(total-h.Failures()) / float64(total)
}

// ConsecutiveFailures counts failed runs since the last success. A drifting
// ledger keeps the reconcile job failing, which shows up here.
func (h *JobHistory) ConsecutiveFailures() int {
	return h.failStreak
}

// Skipped counts runs that found the lease held elsewhere
func (h *JobHistory) Skipped() int {
	return h.skipped
}

func (h *JobHistory) clone() *JobHistory {
	c := *h
	c.results = append([]JobResult(nil), h.results...)
	return &c
}
