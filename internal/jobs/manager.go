// Package jobs owns crawl job lifecycle: validation, seeding, state
// transitions, result bookkeeping, and crash recovery.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/dedup"
	"github.com/pmorenz/strider/internal/frontier"
	"github.com/pmorenz/strider/internal/metrics"
	"github.com/pmorenz/strider/internal/progress"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound    = errors.New("job not found")
	ErrInvalidSpec = errors.New("invalid job spec")
	ErrBadState    = errors.New("operation not valid in current job state")
)

// Frontier is the queue surface the manager needs.
type Frontier interface {
	Enqueue(ctx context.Context, task crawler.Task) error
	Drain(ctx context.Context, jobID string) int
}

// RobotsPolicy answers politeness questions for a host.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(host string) time.Duration
	Sitemaps(ctx context.Context, host string) []string
}

// DomainGate is the slice of the rate limiter the manager feeds.
type DomainGate interface {
	SetCrawlDelay(host string, delay time.Duration)
	Stats(host string) (crawler.DomainStats, bool)
}

// RateSetter registers per-job target request rates.
type RateSetter interface {
	Set(jobID string, rps float64)
	Drop(jobID string)
}

// Config provides defaults applied to submitted specs.
type Config struct {
	MaxPagesDefault int
	DefaultRPS      float64
}

// Manager mediates between job requests and the frontier.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*crawler.Job

	frontier Frontier
	filters  *dedup.Registry
	robots   RobotsPolicy
	gate     DomainGate
	rates    RateSetter
	journal  crawler.Journal
	idGen    crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
	cfg      Config
	events   progress.Emitter
}

// SetEmitter attaches a progress event emitter. Optional; a nil emitter
// disables event publication.
func (m *Manager) SetEmitter(e progress.Emitter) {
	m.events = e
}

func (m *Manager) emit(evt progress.Event) {
	if m.events != nil {
		m.events.Emit(evt)
	}
}

// New builds a Manager.
func New(
	f Frontier,
	filters *dedup.Registry,
	robots RobotsPolicy,
	gate DomainGate,
	rates RateSetter,
	journal crawler.Journal,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.MaxPagesDefault <= 0 {
		cfg.MaxPagesDefault = 100
	}
	return &Manager{
		jobs:     make(map[string]*crawler.Job),
		frontier: f,
		filters:  filters,
		robots:   robots,
		gate:     gate,
		rates:    rates,
		journal:  journal,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit validates a job spec, seeds the frontier, and returns the job ID.
// A job whose seeds are all inadmissible is created in the failed state; the
// ID is still returned so the caller can inspect it.
func (m *Manager) Submit(ctx context.Context, spec crawler.JobSpec) (string, error) {
	if len(spec.Seeds) == 0 {
		return "", fmt.Errorf("%w: at least one seed required", ErrInvalidSpec)
	}
	if spec.MaxDepth < 0 {
		return "", fmt.Errorf("%w: max_depth must be >= 0", ErrInvalidSpec)
	}
	if spec.MaxPages < 0 {
		return "", fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidSpec)
	}
	if spec.MaxPages == 0 {
		spec.MaxPages = m.cfg.MaxPagesDefault
	}
	if spec.TargetRPS <= 0 {
		spec.TargetRPS = m.cfg.DefaultRPS
	}

	jobID, err := m.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	job := &crawler.Job{
		ID:        jobID,
		Status:    crawler.JobStatusCreated,
		Spec:      spec,
		Submitted: m.clock.Now(),
	}
	if err := m.journal.JobCreated(ctx, *job); err != nil {
		return "", fmt.Errorf("journal job creation: %w", err)
	}

	m.mu.Lock()
	m.jobs[jobID] = job
	m.mu.Unlock()
	m.rates.Set(jobID, spec.TargetRPS)
	metrics.ObserveJob(string(crawler.JobStatusCreated))

	seeded := 0
	for _, seed := range spec.Seeds {
		if m.admit(ctx, jobID, seed, 0, crawler.PriorityCritical) {
			seeded++
		}
	}
	if spec.IncludeSitemaps {
		seeded += m.seedSitemaps(ctx, jobID, spec)
	}

	if seeded == 0 {
		m.setStatus(ctx, jobID, crawler.JobStatusFailed, "no admissible seeds")
		return jobID, nil
	}
	m.setStatus(ctx, jobID, crawler.JobStatusRunning, "")
	return jobID, nil
}

// seedSitemaps pulls sitemap URLs from each distinct seed host's robots.txt
// and admits them at high priority.
func (m *Manager) seedSitemaps(ctx context.Context, jobID string, spec crawler.JobSpec) int {
	seen := make(map[string]struct{})
	seeded := 0
	for _, seed := range spec.Seeds {
		host, err := crawler.HostOf(seed)
		if err != nil {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		for _, sm := range m.robots.Sitemaps(ctx, host) {
			if m.admit(ctx, jobID, sm, 0, crawler.PriorityHigh) {
				seeded++
			}
		}
	}
	return seeded
}

// HandleLinks runs newly discovered links through scope, depth, page-count,
// robots, and duplicate checks before enqueueing at medium priority.
func (m *Manager) HandleLinks(ctx context.Context, parent crawler.Task, links []string) {
	for _, link := range links {
		m.admit(ctx, parent.JobID, link, parent.Depth+1, crawler.PriorityMedium)
	}
}

// admit applies the full insertion gauntlet for one URL. Rejections are
// silent policy drops, except journal failures, which fail the job.
func (m *Manager) admit(ctx context.Context, jobID, rawURL string, depth int, prio crawler.Priority) bool {
	norm, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		m.logger.Debug("dropping unparsable url", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	host, err := crawler.HostOf(norm)
	if err != nil {
		return false
	}

	// Reserve a page slot under the lock; cheap checks happen here, the
	// robots lookup (which may fetch) happens after release.
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || (job.Status != crawler.JobStatusCreated && job.Status != crawler.JobStatusRunning) {
		m.mu.Unlock()
		return false
	}
	spec := job.Spec
	if depth > spec.MaxDepth {
		m.mu.Unlock()
		return false
	}
	if !inScope(spec.AllowedDomains, host) {
		m.mu.Unlock()
		return false
	}
	if job.Counters.PagesDiscovered >= spec.MaxPages {
		m.mu.Unlock()
		return false
	}
	job.Counters.PagesDiscovered++
	job.Counters.PendingCount++
	m.mu.Unlock()

	rollback := func() {
		m.mu.Lock()
		if job, ok := m.jobs[jobID]; ok {
			job.Counters.PagesDiscovered--
			job.Counters.PendingCount--
		}
		m.mu.Unlock()
	}

	if spec.FollowRobots {
		if !m.robots.Allowed(ctx, norm) {
			rollback()
			return false
		}
		m.gate.SetCrawlDelay(host, m.robots.CrawlDelay(host))
	}

	if m.filters.ForJob(jobID, spec.MaxPages).CheckAndMark(norm) {
		rollback()
		return false
	}

	taskID, err := m.idGen.NewID()
	if err != nil {
		rollback()
		m.logger.Error("generate task id failed", zap.Error(err))
		return false
	}
	task := crawler.Task{
		JobID:      jobID,
		TaskID:     taskID,
		URL:        norm,
		Host:       host,
		Depth:      depth,
		Priority:   prio,
		EnqueuedAt: m.clock.Now(),
	}
	if err := m.frontier.Enqueue(ctx, task); err != nil {
		rollback()
		m.OnFatal(ctx, jobID, err)
		return false
	}
	return true
}

func inScope(allowed []string, host string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, domain := range allowed {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// AdmitTask implements frontier.JobGate: the dequeue-time decision for a
// job's tasks.
func (m *Manager) AdmitTask(jobID string) frontier.Admission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return frontier.AdmissionDrop
	}
	switch job.Status {
	case crawler.JobStatusRunning:
		return frontier.AdmissionRun
	case crawler.JobStatusCreated, crawler.JobStatusPaused:
		return frontier.AdmissionSkip
	default:
		return frontier.AdmissionDrop
	}
}

// OnDropped implements the frontier drop callback, keeping pending counts
// honest when tasks are drained without executing.
func (m *Manager) OnDropped(task crawler.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[task.JobID]; ok && job.Counters.PendingCount > 0 {
		job.Counters.PendingCount--
	}
}

// OnCompleted records a successful fetch. Results for terminal jobs are
// discarded but still journaled so recovery never re-runs the task.
func (m *Manager) OnCompleted(ctx context.Context, task crawler.Task) {
	if err := m.journal.TaskCompleted(ctx, task.JobID, task.TaskID); err != nil {
		m.logger.Error("journal task completion failed", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	m.mu.Lock()
	job, ok := m.jobs[task.JobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if job.Counters.PendingCount > 0 {
		job.Counters.PendingCount--
	}
	if !job.Status.Terminal() {
		job.Counters.CompletedCount++
	}
	counters := job.Counters
	m.mu.Unlock()

	m.emit(progress.Event{
		JobID:    task.JobID,
		TS:       m.clock.Now(),
		Stage:    progress.StageTaskCompleted,
		Counters: counters,
		Host:     task.Host,
		URL:      task.URL,
	})
	m.maybeComplete(ctx, task.JobID)
}

// OnFailed records a terminal task failure (retry budget exhausted).
func (m *Manager) OnFailed(ctx context.Context, task crawler.Task) {
	if err := m.journal.TaskFailed(ctx, task.JobID, task.TaskID); err != nil {
		m.logger.Error("journal task failure failed", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	metrics.ObserveTaskFailed(task.Host, task.Priority.String())

	m.mu.Lock()
	job, ok := m.jobs[task.JobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if job.Counters.PendingCount > 0 {
		job.Counters.PendingCount--
	}
	if !job.Status.Terminal() {
		job.Counters.FailedCount++
	}
	counters := job.Counters
	m.mu.Unlock()

	m.emit(progress.Event{
		JobID:    task.JobID,
		TS:       m.clock.Now(),
		Stage:    progress.StageTaskFailed,
		Counters: counters,
		Host:     task.Host,
		URL:      task.URL,
	})
	m.maybeComplete(ctx, task.JobID)
}

// OnFatal fails a single job after an unrecoverable orchestration error,
// such as the persistence layer going away. Other jobs keep running.
func (m *Manager) OnFatal(ctx context.Context, jobID string, cause error) {
	m.logger.Error("job failed on orchestration error", zap.String("job_id", jobID), zap.Error(cause))
	m.setStatus(ctx, jobID, crawler.JobStatusFailed, cause.Error())
	m.frontier.Drain(ctx, jobID)
	m.rates.Drop(jobID)
}

func (m *Manager) maybeComplete(ctx context.Context, jobID string) {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	done := ok &&
		job.Status == crawler.JobStatusRunning &&
		job.Counters.PendingCount == 0 &&
		job.Counters.PagesDiscovered >= 1
	m.mu.RUnlock()

	if done {
		m.setStatus(ctx, jobID, crawler.JobStatusCompleted, "")
		m.rates.Drop(jobID)
		m.filters.Drop(jobID)
	}
}

// Status returns a copy of the job.
func (m *Manager) Status(jobID string) (crawler.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return crawler.Job{}, ErrNotFound
	}
	return *job, nil
}

// Pause stops dequeues for the job's tasks; they stay in the frontier.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	return m.transition(ctx, jobID, crawler.JobStatusRunning, crawler.JobStatusPaused)
}

// Resume re-enables dequeues for a paused job.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	if err := m.transition(ctx, jobID, crawler.JobStatusPaused, crawler.JobStatusRunning); err != nil {
		return err
	}
	// Everything may have finished while paused.
	m.maybeComplete(ctx, jobID)
	return nil
}

// Cancel terminates the job from any state and drains its queued tasks.
// In-flight fetches finish on their own; their results are discarded.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	terminal := ok && job.Status.Terminal()
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if terminal {
		return fmt.Errorf("%w: job already terminal", ErrBadState)
	}

	m.setStatus(ctx, jobID, crawler.JobStatusCancelled, "cancelled by operator")
	m.frontier.Drain(ctx, jobID)
	m.rates.Drop(jobID)
	m.filters.Drop(jobID)
	return nil
}

// DomainStats exposes the rate limiter's view of one host.
func (m *Manager) DomainStats(host string) (crawler.DomainStats, bool) {
	return m.gate.Stats(strings.ToLower(host))
}

func (m *Manager) transition(ctx context.Context, jobID string, from, to crawler.JobStatus) error {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	var current crawler.JobStatus
	if ok {
		current = job.Status
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if current != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrBadState, from, to, current)
	}
	m.setStatus(ctx, jobID, to, "")
	return nil
}

// setStatus applies and journals a status change. Terminal states are final:
// a write racing a concurrent cancel or failure loses, re-checked under the
// lock because callers decide without it.
func (m *Manager) setStatus(ctx context.Context, jobID string, status crawler.JobStatus, errText string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	job.Status = status
	if errText != "" {
		job.ErrorText = errText
	}
	now := m.clock.Now()
	if status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() {
		job.Finished = &now
	}
	counters := job.Counters
	m.mu.Unlock()

	metrics.ObserveJob(string(status))
	m.emit(progress.Event{
		JobID:    jobID,
		TS:       now,
		Stage:    progress.StageJobTransition,
		Status:   status,
		Counters: counters,
		Note:     errText,
	})
	if err := m.journal.JobStatusChanged(ctx, jobID, status, counters); err != nil {
		m.logger.Error("journal job status failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
