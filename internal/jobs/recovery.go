package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/journal"
	"github.com/pmorenz/strider/internal/metrics"
)

// taskState is the last journaled transition observed for one task.
type taskState struct {
	task crawler.Task
	kind string
}

// Recover rebuilds job state from the journal after a restart. Tasks whose
// last record is enqueued or dequeued are re-admitted to the frontier with a
// fresh enqueued record, so a second restart replays to the same state.
// Returns the number of re-admitted tasks.
func (m *Manager) Recover(ctx context.Context, store *journal.Store) (int, error) {
	jobs := make(map[string]*crawler.Job)
	tasks := make(map[string]map[string]*taskState)

	err := store.Replay(ctx, func(rec journal.Record) error {
		switch rec.Kind {
		case journal.KindJobCreated:
			var job crawler.Job
			if err := json.Unmarshal([]byte(rec.Payload), &job); err != nil {
				return fmt.Errorf("decode job_created %d: %w", rec.Seq, err)
			}
			jobs[job.ID] = &job
			tasks[job.ID] = make(map[string]*taskState)
		case journal.KindJobStatus:
			var p journal.StatusPayload
			if err := json.Unmarshal([]byte(rec.Payload), &p); err != nil {
				return fmt.Errorf("decode job_status %d: %w", rec.Seq, err)
			}
			if job, ok := jobs[rec.JobID]; ok {
				job.Status = p.Status
				job.Counters = p.Counters
			}
		case journal.KindTaskEnqueued:
			var task crawler.Task
			if err := json.Unmarshal([]byte(rec.Payload), &task); err != nil {
				return fmt.Errorf("decode task_enqueued %d: %w", rec.Seq, err)
			}
			if byTask, ok := tasks[rec.JobID]; ok {
				byTask[rec.TaskID] = &taskState{task: task, kind: rec.Kind}
			}
		default:
			if byTask, ok := tasks[rec.JobID]; ok {
				if st, ok := byTask[rec.TaskID]; ok {
					st.kind = rec.Kind
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for jobID, job := range jobs {
		m.mu.Lock()
		m.jobs[jobID] = job
		m.mu.Unlock()

		if job.Status.Terminal() {
			continue
		}
		m.rates.Set(jobID, job.Spec.TargetRPS)

		filter := m.filters.ForJob(jobID, job.Spec.MaxPages)
		pending, completed, failed := 0, 0, 0
		for _, st := range tasks[jobID] {
			filter.MarkSeen(st.task.URL)
			switch st.kind {
			case journal.KindTaskComplete:
				completed++
				continue
			case journal.KindTaskFailed:
				failed++
				continue
			case journal.KindTaskDropped:
				continue
			}
			// Enqueued or dequeued with no outcome: the crash interrupted it.
			if err := m.frontier.Enqueue(ctx, st.task); err != nil {
				return recovered, fmt.Errorf("re-admit task %s: %w", st.task.TaskID, err)
			}
			metrics.ObserveRecoveredTask()
			pending++
			recovered++
		}

		// The last journaled status snapshot predates any task activity, so
		// the counters are rebuilt from the task records themselves: every
		// distinct task was a discovered page.
		m.mu.Lock()
		job.Counters.PagesDiscovered = len(tasks[jobID])
		job.Counters.CompletedCount = completed
		job.Counters.FailedCount = failed
		job.Counters.PendingCount = pending
		// A job that crashed mid-seeding never reached running.
		if job.Status == crawler.JobStatusCreated {
			if pending > 0 {
				job.Status = crawler.JobStatusRunning
			} else {
				job.Status = crawler.JobStatusFailed
				job.ErrorText = "interrupted before seeding completed"
			}
		}
		m.mu.Unlock()

		m.logger.Info("recovered job",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
			zap.Int("pending", pending))

		m.maybeComplete(ctx, jobID)
	}
	return recovered, nil
}
