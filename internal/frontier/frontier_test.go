package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/metrics"
	"github.com/pmorenz/strider/internal/ratelimit"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeJobGate struct {
	mu        sync.Mutex
	decisions map[string]Admission
}

func newFakeJobGate() *fakeJobGate {
	return &fakeJobGate{decisions: make(map[string]Admission)}
}

func (g *fakeJobGate) set(jobID string, a Admission) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions[jobID] = a
}

func (g *fakeJobGate) AdmitTask(jobID string) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decisions[jobID]
}

type fakeDomainGate struct {
	mu       sync.Mutex
	denied   map[string]bool
	admits   []string
	forfeits []string
}

func newFakeDomainGate() *fakeDomainGate {
	return &fakeDomainGate{denied: make(map[string]bool)}
}

func (g *fakeDomainGate) deny(host string, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied[host] = v
}

func (g *fakeDomainGate) Admit(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied[host] {
		return false
	}
	g.admits = append(g.admits, host)
	return true
}

func (g *fakeDomainGate) Forfeit(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forfeits = append(g.forfeits, host)
}

type fakeJournal struct {
	mu         sync.Mutex
	enqueued   []crawler.Task
	dequeued   []string
	dropped    []string
	enqueueErr error
	dequeueErr error
}

func (j *fakeJournal) JobCreated(context.Context, crawler.Job) error { return nil }
func (j *fakeJournal) JobStatusChanged(context.Context, string, crawler.JobStatus, crawler.JobCounters) error {
	return nil
}

func (j *fakeJournal) TaskEnqueued(_ context.Context, task crawler.Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enqueueErr != nil {
		return j.enqueueErr
	}
	j.enqueued = append(j.enqueued, task)
	return nil
}

func (j *fakeJournal) TaskDequeued(_ context.Context, _, taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.dequeueErr != nil {
		return j.dequeueErr
	}
	j.dequeued = append(j.dequeued, taskID)
	return nil
}

func (j *fakeJournal) TaskCompleted(context.Context, string, string) error { return nil }
func (j *fakeJournal) TaskFailed(context.Context, string, string) error    { return nil }

func (j *fakeJournal) TaskDropped(_ context.Context, _, taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dropped = append(j.dropped, taskID)
	return nil
}

type fixture struct {
	f       *Frontier
	jobs    *fakeJobGate
	gate    *fakeDomainGate
	journal *fakeJournal
	clock   *fakeClock
}

func newFixture(cfg Config) *fixture {
	fx := &fixture{
		jobs:    newFakeJobGate(),
		gate:    newFakeDomainGate(),
		journal: &fakeJournal{},
		clock:   &fakeClock{now: time.Unix(1000, 0)},
	}
	fx.f = New(fx.jobs, fx.gate, fx.journal, fx.clock, cfg, zap.NewNop())
	return fx
}

func task(jobID, taskID, host string, p crawler.Priority) crawler.Task {
	return crawler.Task{
		JobID:    jobID,
		TaskID:   taskID,
		URL:      "https://" + host + "/" + taskID,
		Host:     host,
		Priority: p,
	}
}

func TestNext_PriorityClassOrdering(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, fx.f.Enqueue(ctx, task("j", "t-low", "example.com", crawler.PriorityLow)))
	require.NoError(t, fx.f.Enqueue(ctx, task("j", "t-crit", "example.com", crawler.PriorityCritical)))
	require.NoError(t, fx.f.Enqueue(ctx, task("j", "t-med", "example.com", crawler.PriorityMedium)))

	var order []string
	for i := 0; i < 3; i++ {
		got, err := fx.f.Next(ctx)
		require.NoError(t, err)
		order = append(order, got.TaskID)
	}
	assert.Equal(t, []string{"t-crit", "t-med", "t-low"}, order)
}

func TestNext_FIFOWithinClass(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, fx.f.Enqueue(ctx, task("j", fmt.Sprintf("t-%d", i), "example.com", crawler.PriorityHigh)))
	}
	for i := 0; i < 4; i++ {
		got, err := fx.f.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t-%d", i), got.TaskID)
	}
}

func TestNext_RoundRobinAcrossDomains(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	// a.com has far more work queued than b.com; round-robin still alternates.
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.f.Enqueue(ctx, task("j", fmt.Sprintf("a-%d", i), "a.com", crawler.PriorityHigh)))
	}
	require.NoError(t, fx.f.Enqueue(ctx, task("j", "b-0", "b.com", crawler.PriorityHigh)))

	var hosts []string
	for i := 0; i < 4; i++ {
		got, err := fx.f.Next(ctx)
		require.NoError(t, err)
		hosts = append(hosts, got.Host)
	}
	assert.Equal(t, []string{"a.com", "b.com", "a.com", "a.com"}, hosts)
}

func TestNext_SkipsInadmissibleDomain(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, fx.f.Enqueue(ctx, task("j", "slow-0", "slow.com", crawler.PriorityCritical)))
	require.NoError(t, fx.f.Enqueue(ctx, task("j", "fast-0", "fast.com", crawler.PriorityLow)))
	fx.gate.deny("slow.com", true)

	got, err := fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast-0", got.TaskID)

	fx.gate.deny("slow.com", false)
	got, err = fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow-0", got.TaskID)
}

func TestNext_PausedJobTasksStayQueued(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, fx.f.Enqueue(ctx, task("paused", "p-0", "example.com", crawler.PriorityCritical)))
	require.NoError(t, fx.f.Enqueue(ctx, task("running", "r-0", "example.com", crawler.PriorityLow)))
	fx.jobs.set("paused", AdmissionSkip)

	got, err := fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r-0", got.TaskID)
	assert.Equal(t, 1, fx.f.Size(), "paused task remains queued")

	fx.jobs.set("paused", AdmissionRun)
	got, err = fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p-0", got.TaskID)
}

func TestNext_CancelledJobTasksAreDrained(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var droppedMu sync.Mutex
	var dropped []string
	fx.f.SetDropHandler(func(task crawler.Task) {
		droppedMu.Lock()
		defer droppedMu.Unlock()
		dropped = append(dropped, task.TaskID)
	})

	require.NoError(t, fx.f.Enqueue(ctx, task("cancelled", "c-0", "example.com", crawler.PriorityCritical)))
	require.NoError(t, fx.f.Enqueue(ctx, task("running", "r-0", "example.com", crawler.PriorityLow)))
	fx.jobs.set("cancelled", AdmissionDrop)

	got, err := fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r-0", got.TaskID)
	assert.Zero(t, fx.f.Size())

	droppedMu.Lock()
	defer droppedMu.Unlock()
	assert.Equal(t, []string{"c-0"}, dropped)
	assert.Equal(t, []string{"c-0"}, fx.journal.dropped)
}

func TestNext_BlocksUntilWork(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := fx.f.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequeue_DeferredClassAndAging(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 5 * time.Millisecond, DeferredAging: time.Minute})
	ctx := context.Background()

	retried := task("j", "retry-0", "example.com", crawler.PriorityHigh)
	retried.Retries = 1
	require.NoError(t, fx.f.Requeue(ctx, retried))
	require.NoError(t, fx.f.Enqueue(ctx, task("j", "fresh-0", "example.com", crawler.PriorityLow)))

	// Deferred ranks below low.
	got, err := fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-0", got.TaskID)

	// After the aging window the deferred task is promoted back to low.
	fx.clock.advance(2 * time.Minute)
	got, err = fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "retry-0", got.TaskID)
	assert.Equal(t, crawler.PriorityLow, got.Priority)
}

func TestEnqueue_JournalFailureRejectsTask(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{})
	fx.journal.enqueueErr = errors.New("disk full")

	err := fx.f.Enqueue(context.Background(), task("j", "t-0", "example.com", crawler.PriorityHigh))
	require.Error(t, err)
	assert.Zero(t, fx.f.Size())
}

func TestNext_JournalFailureSurfacesJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, fx.f.Enqueue(ctx, task("j", "t-0", "example.com", crawler.PriorityHigh)))
	fx.journal.dequeueErr = errors.New("disk vanished")

	got, err := fx.f.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, "j", got.JobID, "caller needs the job to fail it")
	assert.Equal(t, []string{"example.com"}, fx.gate.forfeits, "admitted slot must be handed back")
}

func TestNext_JournalFailureKeepsHostServable(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	gate := ratelimit.New(ratelimit.Config{MaxConcurrent: 1}, clk, zap.NewNop())
	journal := &fakeJournal{}
	jobs := newFakeJobGate()
	f := New(jobs, gate, journal, clk, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, f.Enqueue(ctx, task("j", "t-0", "example.com", crawler.PriorityHigh)))
	journal.dequeueErr = errors.New("disk vanished")
	_, err := f.Next(ctx)
	require.Error(t, err)

	// Same host, healthy journal: the failed dispatch must not have pinned
	// the single concurrency slot.
	journal.mu.Lock()
	journal.dequeueErr = nil
	journal.mu.Unlock()
	require.NoError(t, f.Enqueue(ctx, task("j", "t-1", "example.com", crawler.PriorityHigh)))

	nextCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := f.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.TaskID)
}

func TestDrain_RemovesOnlyTargetJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{})
	ctx := context.Background()

	require.NoError(t, fx.f.Enqueue(ctx, task("victim", "v-0", "a.com", crawler.PriorityHigh)))
	require.NoError(t, fx.f.Enqueue(ctx, task("victim", "v-1", "b.com", crawler.PriorityLow)))
	require.NoError(t, fx.f.Enqueue(ctx, task("other", "o-0", "a.com", crawler.PriorityHigh)))

	dropped := fx.f.Drain(ctx, "victim")
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, fx.f.Size())
	assert.Equal(t, 1, fx.f.DomainDepth("a.com"))
	assert.Zero(t, fx.f.DomainDepth("b.com"))
}

func TestEnqueue_JournaledBeforeQueued(t *testing.T) {
	t.Parallel()

	fx := newFixture(Config{})
	ctx := context.Background()

	in := task("j", "t-0", "example.com", crawler.PriorityMedium)
	require.NoError(t, fx.f.Enqueue(ctx, in))
	require.Len(t, fx.journal.enqueued, 1)
	assert.Equal(t, in, fx.journal.enqueued[0])

	got, err := fx.f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{got.TaskID}, fx.journal.dequeued)
}
