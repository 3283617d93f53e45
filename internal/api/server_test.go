package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/config"
	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/jobs"
	"github.com/pmorenz/strider/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeOrchestrator struct {
	submitID  string
	submitErr error
	jobs      map[string]crawler.Job
	stats     map[string]crawler.DomainStats
	opErr     error
	lastOp    string
}

func (f *fakeOrchestrator) Submit(_ context.Context, spec crawler.JobSpec) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeOrchestrator) Status(jobID string) (crawler.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return crawler.Job{}, jobs.ErrNotFound
	}
	return job, nil
}

func (f *fakeOrchestrator) Pause(_ context.Context, jobID string) error {
	f.lastOp = "pause:" + jobID
	return f.transitionErr(jobID)
}

func (f *fakeOrchestrator) Resume(_ context.Context, jobID string) error {
	f.lastOp = "resume:" + jobID
	return f.transitionErr(jobID)
}

func (f *fakeOrchestrator) Cancel(_ context.Context, jobID string) error {
	f.lastOp = "cancel:" + jobID
	return f.transitionErr(jobID)
}

func (f *fakeOrchestrator) transitionErr(jobID string) error {
	if _, ok := f.jobs[jobID]; !ok {
		return jobs.ErrNotFound
	}
	return f.opErr
}

func (f *fakeOrchestrator) DomainStats(host string) (crawler.DomainStats, bool) {
	st, ok := f.stats[host]
	return st, ok
}

func newTestServer(orch *fakeOrchestrator, cfg config.Config) *Server {
	return NewServer(orch, cfg, zap.NewNop())
}

func TestSubmitJob_Accepted(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{submitID: "job-123"}
	srv := newTestServer(orch, config.Config{})

	body, err := json.Marshal(crawler.JobSpec{Seeds: []string{"https://example.com/"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-123", resp["job_id"])
}

func TestSubmitJob_BadJSON(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeOrchestrator{}, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte("{nope")))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_InvalidSpec(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{submitErr: jobs.ErrInvalidSpec}
	srv := newTestServer(orch, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte("{}")))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{jobs: map[string]crawler.Job{
		"job-1": {ID: "job-1", Status: crawler.JobStatusRunning},
	}}
	srv := newTestServer(orch, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/status", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Job crawler.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, crawler.JobStatusRunning, resp.Job.Status)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/missing/status", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{jobs: map[string]crawler.Job{
		"job-1": {ID: "job-1", Status: crawler.JobStatusPaused},
	}}
	srv := newTestServer(orch, config.Config{})

	for _, op := range []string{"pause", "resume", "cancel"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/"+op, nil)
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, op)
		assert.Equal(t, op+":job-1", orch.lastOp)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/missing/cancel", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransition_BadStateConflict(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{
		jobs:  map[string]crawler.Job{"job-1": {ID: "job-1"}},
		opErr: jobs.ErrBadState,
	}
	srv := newTestServer(orch, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/pause", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDomainStats(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{stats: map[string]crawler.DomainStats{
		"example.com": {Host: "example.com", Outstanding: 2},
	}}
	srv := newTestServer(orch, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/domains/example.com/stats", nil)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stats crawler.DomainStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Stats.Outstanding)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/domains/unseen.com/stats", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	srv := newTestServer(&fakeOrchestrator{}, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeOrchestrator{}, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpointExposed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeOrchestrator{}, config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "strider_")
}
