// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the journal.
const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status admits no further work.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders tasks within a domain queue. Lower values dequeue first.
type Priority int

// Priority classes, highest first. Deferred is reserved for retried tasks.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityDeferred

	PriorityCount = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// JobSpec captures per-job configuration knobs requested by the client.
type JobSpec struct {
	Seeds           []string `json:"seeds"`
	AllowedDomains  []string `json:"allowed_domains"`
	MaxDepth        int      `json:"max_depth"`
	MaxPages        int      `json:"max_pages"`
	IncludeSitemaps bool     `json:"include_sitemaps"`
	FollowRobots    bool     `json:"follow_robots"`
	TargetRPS       float64  `json:"target_rps"`
}

// JobCounters tracks aggregate progress for a job.
type JobCounters struct {
	PagesDiscovered int `json:"pages_discovered"`
	PendingCount    int `json:"pending_count"`
	CompletedCount  int `json:"completed_count"`
	FailedCount     int `json:"failed_count"`
}

// Job represents the metadata tracked for each submitted crawl request.
type Job struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	Spec      JobSpec     `json:"spec"`
	Counters  JobCounters `json:"counters"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
}

// Task is one pending fetch, owned exclusively by the frontier until
// dequeued by a single worker.
type Task struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	Depth      int       `json:"depth"`
	Priority   Priority  `json:"priority"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DeferredAt time.Time `json:"deferred_at,omitzero"`
}

// DomainStats is the per-host view exposed through the API.
type DomainStats struct {
	Host              string    `json:"host"`
	Outstanding       int       `json:"outstanding"`
	NextEligibleTime  time.Time `json:"next_eligible_time"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Suspended         bool      `json:"suspended"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID     string
	URL       string
	Depth     int
	UserAgent string
}

// FetchResponse is the result returned by a Fetcher implementation.
// Links carries raw href values discovered by the collaborator; the
// orchestrator normalizes and filters them before re-enqueueing.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Links      []string
	Duration   time.Duration
}
