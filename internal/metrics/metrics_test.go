package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotPanics(t, func() {
		ObserveEnqueue("example.com", "high", 3)
		ObserveDequeue("example.com", "high", 2)
		ObserveTaskFailed("example.com", "deferred")
		ObserveTaskDropped("example.com")
		ObserveJob("completed")
		WorkerStarted()
		WorkerFinished()
		ObserveRateLimitDelay("job-1", 50*time.Millisecond)
		ObserveDomainSuspension("example.com")
		ObserveRobotsFetch("ok")
		ObserveDedupRejected()
		ObserveJournalError()
		ObserveRecoveredTask()
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveEnqueue("handler.test", "low", 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "strider_tasks_enqueued_total")
}
