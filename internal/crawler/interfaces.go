package crawler

import (
	"context"
	"time"
)

// Fetcher performs the actual page retrieval. Implementations must honor the
// context deadline and return whatever partial result they have on timeout.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Sink receives fetched documents. Delivery is fire-and-forget from the
// orchestrator's perspective; implementations log their own failures.
type Sink interface {
	Submit(ctx context.Context, jobID, url string, body []byte, meta map[string]string) error
}

// Journal records every frontier and job state transition so in-memory
// structures can be rebuilt after a crash.
type Journal interface {
	JobCreated(ctx context.Context, job Job) error
	JobStatusChanged(ctx context.Context, jobID string, status JobStatus, counters JobCounters) error
	TaskEnqueued(ctx context.Context, task Task) error
	TaskDequeued(ctx context.Context, jobID, taskID string) error
	TaskCompleted(ctx context.Context, jobID, taskID string) error
	TaskFailed(ctx context.Context, jobID, taskID string) error
	TaskDropped(ctx context.Context, jobID, taskID string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
