// Package progress defines lifecycle events emitted by the crawl engine and
// a hub that fans them out to sinks without blocking the emitters.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/pmorenz/strider/internal/crawler"
)

// Stage denotes the kind of milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageJobTransition Stage = "JOB_TRANSITION"
	StageTaskCompleted Stage = "TASK_COMPLETED"
	StageTaskFailed    Stage = "TASK_FAILED"
)

// Event captures one engine milestone.
type Event struct {
	// JobID identifies the owning job.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status carries the resulting job status for transitions.
	Status crawler.JobStatus
	// Counters snapshots job progress at emission time.
	Counters crawler.JobCounters
	// Host and URL scope task events; empty for job transitions.
	Host string
	URL  string
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobTransition:
		if e.Status == "" {
			return errors.New("job transition requires status")
		}
	case StageTaskCompleted, StageTaskFailed:
		if e.URL == "" {
			return errors.New("task event requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
