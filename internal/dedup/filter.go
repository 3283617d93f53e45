// Package dedup implements the probabilistic URL duplicate filter.
package dedup

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/metrics"
)

// Filter is a job-scoped bloom filter over normalized URLs. "Seen" answers
// may be false positives at the configured rate; "not seen" answers are exact.
type Filter struct {
	mu       sync.Mutex
	bloom    *bloom.BloomFilter
	capacity uint
	added    uint
	warned   bool
	logger   *zap.Logger
}

// NewFilter sizes a filter for the expected URL count and false-positive rate.
// Inputs must be normalized before any call; the filter does not canonicalize.
func NewFilter(capacity int, fpRate float64, logger *zap.Logger) *Filter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Filter{
		bloom:    bloom.NewWithEstimates(uint(capacity), fpRate),
		capacity: uint(capacity),
		logger:   logger,
	}
}

// Seen reports whether the URL has (probably) been marked before.
func (f *Filter) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bloom.TestString(url)
}

// MarkSeen records the URL. Idempotent.
func (f *Filter) MarkSeen(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(url)
}

// CheckAndMark atomically tests and records the URL, returning true when it
// was already present.
func (f *Filter) CheckAndMark(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bloom.TestString(url) {
		metrics.ObserveDedupRejected()
		return true
	}
	f.mark(url)
	return false
}

// mark must be called with f.mu held. Past designed capacity the filter keeps
// accepting entries with a rising false-positive rate; that is logged once.
func (f *Filter) mark(url string) {
	f.bloom.AddString(url)
	f.added++
	if !f.warned && f.added > f.capacity {
		f.warned = true
		f.logger.Warn("duplicate filter past designed capacity, false-positive rate degrading",
			zap.Uint("capacity", f.capacity),
			zap.Uint("added", f.added),
		)
	}
}

// Registry holds one filter per job. Lifetime is tied to the engine, not to
// package state, so tests and restarts get fresh filters.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]*Filter
	fpRate  float64
	logger  *zap.Logger
}

// NewRegistry builds an empty Registry with the given false-positive rate.
func NewRegistry(fpRate float64, logger *zap.Logger) *Registry {
	return &Registry{
		filters: make(map[string]*Filter),
		fpRate:  fpRate,
		logger:  logger,
	}
}

// ForJob returns the job's filter, creating one sized from maxPages on first
// use. Discovered links per page mean the URL population exceeds max_pages, so
// the estimate is padded.
func (r *Registry) ForJob(jobID string, maxPages int) *Filter {
	r.mu.RLock()
	f, ok := r.filters[jobID]
	r.mu.RUnlock()
	if ok {
		return f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.filters[jobID]; ok {
		return f
	}
	f = NewFilter(maxPages*10, r.fpRate, r.logger.With(zap.String("job_id", jobID)))
	r.filters[jobID] = f
	return f
}

// Drop releases the job's filter.
func (r *Registry) Drop(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, jobID)
}
