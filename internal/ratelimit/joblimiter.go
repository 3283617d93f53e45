package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pmorenz/strider/internal/metrics"
)

// JobLimiters enforces each job's target requests-per-second across the whole
// worker pool with a token bucket per job.
type JobLimiters struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	defaultRPS float64
}

// NewJobLimiters builds an empty limiter set with a fallback rate applied to
// jobs that do not declare a target.
func NewJobLimiters(defaultRPS float64) *JobLimiters {
	return &JobLimiters{
		limiters:   make(map[string]*rate.Limiter),
		defaultRPS: defaultRPS,
	}
}

// Set registers a job's target rate. Zero or negative means the default; a
// non-positive default means unlimited.
func (l *JobLimiters) Set(jobID string, rps float64) {
	if rps <= 0 {
		rps = l.defaultRPS
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[jobID] = rate.NewLimiter(limit, 1)
}

// Wait blocks until the job's bucket grants a token or the context finishes.
func (l *JobLimiters) Wait(ctx context.Context, jobID string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[jobID]
	if !ok {
		limit := rate.Limit(l.defaultRPS)
		if l.defaultRPS <= 0 {
			limit = rate.Inf
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[jobID] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("job rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(jobID, waited)
	}
	return nil
}

// Drop releases the job's limiter once the job is terminal.
func (l *JobLimiters) Drop(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, jobID)
}
