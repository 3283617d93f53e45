// Package journal persists frontier and job transitions as an append-only
// record stream in SQLite, sufficient to rebuild in-memory state on restart.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/metrics"
)

// Record kinds, one per journaled transition.
const (
	KindJobCreated   = "job_created"
	KindJobStatus    = "job_status"
	KindTaskEnqueued = "task_enqueued"
	KindTaskDequeued = "task_dequeued"
	KindTaskComplete = "task_completed"
	KindTaskFailed   = "task_failed"
	KindTaskDropped  = "task_dropped"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	job_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_job_task ON journal (job_id, task_id);
`

// Record is one journaled transition in append order.
type Record struct {
	Seq     int64
	Kind    string
	JobID   string
	TaskID  string
	Payload string
}

// StatusPayload is the serialized body of a job_status record.
type StatusPayload struct {
	Status   crawler.JobStatus   `json:"status"`
	Counters crawler.JobCounters `json:"counters"`
}

// Store is a SQLite-backed crawler.Journal.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ crawler.Journal = (*Store)(nil)

// Open opens (or creates) the journal database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Appends come from every worker; a single connection sidesteps
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

func (s *Store) append(ctx context.Context, kind, jobID, taskID string, payload any) error {
	body := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal journal payload: %w", err)
		}
		body = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (kind, job_id, task_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, jobID, taskID, body, time.Now().UTC(),
	)
	if err != nil {
		metrics.ObserveJournalError()
		return fmt.Errorf("append journal record %s: %w", kind, err)
	}
	return nil
}

// JobCreated implements crawler.Journal.
func (s *Store) JobCreated(ctx context.Context, job crawler.Job) error {
	return s.append(ctx, KindJobCreated, job.ID, "", job)
}

// JobStatusChanged implements crawler.Journal.
func (s *Store) JobStatusChanged(ctx context.Context, jobID string, status crawler.JobStatus, counters crawler.JobCounters) error {
	return s.append(ctx, KindJobStatus, jobID, "", StatusPayload{Status: status, Counters: counters})
}

// TaskEnqueued implements crawler.Journal.
func (s *Store) TaskEnqueued(ctx context.Context, task crawler.Task) error {
	return s.append(ctx, KindTaskEnqueued, task.JobID, task.TaskID, task)
}

// TaskDequeued implements crawler.Journal.
func (s *Store) TaskDequeued(ctx context.Context, jobID, taskID string) error {
	return s.append(ctx, KindTaskDequeued, jobID, taskID, nil)
}

// TaskCompleted implements crawler.Journal.
func (s *Store) TaskCompleted(ctx context.Context, jobID, taskID string) error {
	return s.append(ctx, KindTaskComplete, jobID, taskID, nil)
}

// TaskFailed implements crawler.Journal.
func (s *Store) TaskFailed(ctx context.Context, jobID, taskID string) error {
	return s.append(ctx, KindTaskFailed, jobID, taskID, nil)
}

// TaskDropped implements crawler.Journal.
func (s *Store) TaskDropped(ctx context.Context, jobID, taskID string) error {
	return s.append(ctx, KindTaskDropped, jobID, taskID, nil)
}

// Replay streams all records in append order. The callback returning an
// error stops the replay.
func (s *Store) Replay(ctx context.Context, fn func(Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, job_id, task_id, payload FROM journal ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Debug("close journal rows", zap.Error(cerr))
		}
	}()

	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Seq, &rec.Kind, &rec.JobID, &rec.TaskID, &rec.Payload); err != nil {
			return fmt.Errorf("scan journal record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate journal: %w", err)
	}
	return nil
}
