// Package frontier implements the persistent multi-level priority queue of
// pending fetch tasks, partitioned by domain for fairness and rate control.
package frontier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/metrics"
)

// Admission is the job-level decision applied to a task at dequeue time.
type Admission int

// Dequeue-time decisions: run the task, leave it queued (paused job), or
// drain it (cancelled or terminal job).
const (
	AdmissionRun Admission = iota
	AdmissionSkip
	AdmissionDrop
)

// JobGate answers whether a job's tasks may currently be dispatched.
type JobGate interface {
	AdmitTask(jobID string) Admission
}

// DomainGate answers whether a host may receive another fetch right now.
// Admitting advances the host's politeness state, so it is consulted exactly
// once per dispatched task. Forfeit hands an admitted slot back when the
// dispatch is abandoned before any request goes out.
type DomainGate interface {
	Admit(host string) bool
	Forfeit(host string)
}

// Config tunes frontier behavior.
type Config struct {
	// PollInterval bounds how long a blocked Next waits before rescanning,
	// keeping workers responsive to pause/cancel.
	PollInterval time.Duration
	// DeferredAging is how long a deferred task waits before aging back up
	// to the low class. Zero disables aging.
	DeferredAging time.Duration
}

// Frontier holds per-domain sub-queues, each ordered by priority class then
// FIFO within class. Dequeue round-robins across admissible domains so no
// single domain can monopolize the pool.
type Frontier struct {
	mu      sync.Mutex
	domains map[string]*domainQueue
	ring    []string
	next    int

	jobs    JobGate
	gate    DomainGate
	journal crawler.Journal
	clock   crawler.Clock
	logger  *zap.Logger
	cfg     Config

	// onDrop lets the job manager keep its pending counts honest when the
	// frontier drains a task at dequeue time.
	onDrop func(crawler.Task)
}

type domainQueue struct {
	classes [crawler.PriorityCount][]crawler.Task
}

func (dq *domainQueue) depth() int {
	n := 0
	for i := range dq.classes {
		n += len(dq.classes[i])
	}
	return n
}

// New builds a Frontier.
func New(jobs JobGate, gate DomainGate, journal crawler.Journal, clock crawler.Clock, cfg Config, logger *zap.Logger) *Frontier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Frontier{
		domains: make(map[string]*domainQueue),
		jobs:    jobs,
		gate:    gate,
		journal: journal,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// SetDropHandler registers the callback invoked for tasks drained at dequeue
// time. Must be called before workers start.
func (f *Frontier) SetDropHandler(fn func(crawler.Task)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDrop = fn
}

// Enqueue journals and queues a task. The journal write happens first so a
// crash cannot hold a task the journal never saw.
func (f *Frontier) Enqueue(ctx context.Context, task crawler.Task) error {
	if task.Host == "" {
		return fmt.Errorf("enqueue task %s: empty host", task.TaskID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.journal.TaskEnqueued(ctx, task); err != nil {
		return err
	}
	f.push(task)
	return nil
}

// Requeue puts a task back after a transient fetch error. The task moves to
// the deferred class; its original class is gone for good unless aging
// promotes it later.
func (f *Frontier) Requeue(ctx context.Context, task crawler.Task) error {
	task.Priority = crawler.PriorityDeferred
	task.DeferredAt = f.clock.Now()
	return f.Enqueue(ctx, task)
}

// push must be called with f.mu held.
func (f *Frontier) push(task crawler.Task) {
	dq, ok := f.domains[task.Host]
	if !ok {
		dq = &domainQueue{}
		f.domains[task.Host] = dq
		f.ring = append(f.ring, task.Host)
	}
	dq.classes[task.Priority] = append(dq.classes[task.Priority], task)
	metrics.ObserveEnqueue(task.Host, task.Priority.String(), dq.depth())
}

// Next blocks until an admissible task is available or the context finishes.
// The returned error is ctx.Err on cancellation, or a journal failure, in
// which case the task (if any) has been removed but must not be executed.
func (f *Frontier) Next(ctx context.Context) (crawler.Task, error) {
	timer := time.NewTimer(f.cfg.PollInterval)
	defer timer.Stop()

	for {
		task, ok, err := f.tryNext(ctx)
		if err != nil {
			// task identifies the affected job on a journal failure.
			return task, err
		}
		if ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return crawler.Task{}, ctx.Err()
		case <-timer.C:
			timer.Reset(f.cfg.PollInterval)
		}
	}
}

// tryNext performs one round-robin scan over domains.
func (f *Frontier) tryNext(ctx context.Context) (crawler.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.ring)
	for i := 0; i < n; i++ {
		idx := (f.next + i) % n
		host := f.ring[idx]
		dq := f.domains[host]
		if dq.depth() == 0 {
			continue
		}

		f.ageDeferred(dq)
		f.drainDead(ctx, dq)

		class, pos, found := f.findRunnable(dq)
		if !found {
			continue
		}
		if !f.gate.Admit(host) {
			continue
		}

		task := dq.classes[class][pos]
		dq.classes[class] = append(dq.classes[class][:pos], dq.classes[class][pos+1:]...)
		f.next = (idx + 1) % n

		if err := f.journal.TaskDequeued(ctx, task.JobID, task.TaskID); err != nil {
			// The task is out of the queue but unrecorded; the caller
			// must treat the owning job as failed rather than run it.
			// The admitted slot goes back so the host stays servable.
			f.gate.Forfeit(host)
			return task, false, fmt.Errorf("journal dequeue of task %s: %w", task.TaskID, err)
		}
		metrics.ObserveDequeue(host, task.Priority.String(), dq.depth())
		return task, true, nil
	}
	return crawler.Task{}, false, nil
}

// findRunnable returns the position of the first dispatchable task in the
// highest non-empty class, honoring FIFO within class. Paused jobs' tasks are
// skipped in place. Must be called with f.mu held.
func (f *Frontier) findRunnable(dq *domainQueue) (class, pos int, found bool) {
	for c := 0; c < crawler.PriorityCount; c++ {
		for p, task := range dq.classes[c] {
			if f.jobs.AdmitTask(task.JobID) == AdmissionRun {
				return c, p, true
			}
		}
	}
	return 0, 0, false
}

// drainDead removes tasks whose jobs no longer admit work. Must be called
// with f.mu held.
func (f *Frontier) drainDead(ctx context.Context, dq *domainQueue) {
	for c := 0; c < crawler.PriorityCount; c++ {
		kept := dq.classes[c][:0]
		for _, task := range dq.classes[c] {
			if f.jobs.AdmitTask(task.JobID) != AdmissionDrop {
				kept = append(kept, task)
				continue
			}
			f.dropLocked(ctx, task)
		}
		dq.classes[c] = kept
	}
}

// ageDeferred promotes deferred tasks past the aging window back to the low
// class so domain-level trouble does not bury them forever. Must be called
// with f.mu held.
func (f *Frontier) ageDeferred(dq *domainQueue) {
	if f.cfg.DeferredAging <= 0 {
		return
	}
	now := f.clock.Now()
	deferred := dq.classes[crawler.PriorityDeferred]
	kept := deferred[:0]
	for _, task := range deferred {
		if !task.DeferredAt.IsZero() && now.Sub(task.DeferredAt) >= f.cfg.DeferredAging {
			task.Priority = crawler.PriorityLow
			dq.classes[crawler.PriorityLow] = append(dq.classes[crawler.PriorityLow], task)
			continue
		}
		kept = append(kept, task)
	}
	dq.classes[crawler.PriorityDeferred] = kept
}

// Drain removes every queued task belonging to the job, journaling each as
// dropped, and returns how many were removed. In-flight tasks are untouched;
// their results are discarded by the worker.
func (f *Frontier) Drain(ctx context.Context, jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for _, dq := range f.domains {
		for c := 0; c < crawler.PriorityCount; c++ {
			kept := dq.classes[c][:0]
			for _, task := range dq.classes[c] {
				if task.JobID != jobID {
					kept = append(kept, task)
					continue
				}
				f.dropLocked(ctx, task)
				dropped++
			}
			dq.classes[c] = kept
		}
	}
	return dropped
}

// dropLocked journals and reports one drained task. Must be called with
// f.mu held.
func (f *Frontier) dropLocked(ctx context.Context, task crawler.Task) {
	if err := f.journal.TaskDropped(ctx, task.JobID, task.TaskID); err != nil {
		f.logger.Error("journal task drop failed", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	metrics.ObserveTaskDropped(task.Host)
	if f.onDrop != nil {
		f.onDrop(task)
	}
}

// Size returns the total number of queued tasks.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, dq := range f.domains {
		n += dq.depth()
	}
	return n
}

// DomainDepth returns the queued task count for one host.
func (f *Frontier) DomainDepth(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dq, ok := f.domains[host]
	if !ok {
		return 0
	}
	return dq.depth()
}
