package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestAppendAndReplayOrder(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusCreated, Submitted: time.Unix(100, 0).UTC()}
	task := crawler.Task{JobID: "job-1", TaskID: "task-1", URL: "https://example.com/", Host: "example.com"}

	require.NoError(t, s.JobCreated(ctx, job))
	require.NoError(t, s.TaskEnqueued(ctx, task))
	require.NoError(t, s.TaskDequeued(ctx, "job-1", "task-1"))
	require.NoError(t, s.TaskCompleted(ctx, "job-1", "task-1"))
	require.NoError(t, s.JobStatusChanged(ctx, "job-1", crawler.JobStatusCompleted, crawler.JobCounters{CompletedCount: 1}))

	var kinds []string
	require.NoError(t, s.Replay(ctx, func(rec Record) error {
		kinds = append(kinds, rec.Kind)
		return nil
	}))
	assert.Equal(t, []string{
		KindJobCreated, KindTaskEnqueued, KindTaskDequeued, KindTaskComplete, KindJobStatus,
	}, kinds)
}

func TestReplayPayloadsRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	task := crawler.Task{
		JobID:    "job-2",
		TaskID:   "task-9",
		URL:      "https://example.com/deep",
		Host:     "example.com",
		Depth:    3,
		Priority: crawler.PriorityDeferred,
		Retries:  2,
	}
	require.NoError(t, s.TaskEnqueued(ctx, task))
	require.NoError(t, s.JobStatusChanged(ctx, "job-2", crawler.JobStatusRunning, crawler.JobCounters{PendingCount: 1}))

	var gotTask crawler.Task
	var gotStatus StatusPayload
	require.NoError(t, s.Replay(ctx, func(rec Record) error {
		switch rec.Kind {
		case KindTaskEnqueued:
			return json.Unmarshal([]byte(rec.Payload), &gotTask)
		case KindJobStatus:
			return json.Unmarshal([]byte(rec.Payload), &gotStatus)
		}
		return nil
	}))

	assert.Equal(t, task, gotTask)
	assert.Equal(t, crawler.JobStatusRunning, gotStatus.Status)
	assert.Equal(t, 1, gotStatus.Counters.PendingCount)
}

func TestReplaySurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.TaskEnqueued(ctx, crawler.Task{JobID: "j", TaskID: "t", URL: "https://example.com/"}))
	require.NoError(t, s.TaskDequeued(ctx, "j", "t"))
	require.NoError(t, s.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	count := 0
	require.NoError(t, reopened.Replay(ctx, func(Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}
