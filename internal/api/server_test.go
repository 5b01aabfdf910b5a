package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentharvest/harvester/internal/config"
	"github.com/contentharvest/harvester/internal/dispatcher"
	"github.com/contentharvest/harvester/internal/harvest"
	idgen "github.com/contentharvest/harvester/internal/id/uuid"
	"github.com/contentharvest/harvester/internal/progress"
	queuememory "github.com/contentharvest/harvester/internal/queue/memory"
	storememory "github.com/contentharvest/harvester/internal/storage/memory"
	"github.com/contentharvest/harvester/internal/worker"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fixture struct {
	server   *Server
	jobs     *storememory.JobStore
	queue    *queuememory.Queue
	registry *worker.Registry
	clock    *fakeClock
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	jobs := storememory.NewJobStore(clock)
	queue := queuememory.NewQueue(8)
	registry := worker.NewRegistry()
	dispatch := dispatcher.New(queue, nil, registry)
	srv := NewServer(jobs, dispatch, idgen.New(), clock, progress.DefaultWeights(), cfg, nil)
	return &fixture{server: srv, jobs: jobs, queue: queue, registry: registry, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitJobCreatesAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"type":     "fetch_comments",
		"owner_id": 7,
		"priority": 2,
		"parameters": map[string]any{
			"group_ids":    []int64{1, 2},
			"max_comments": 500,
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody(t, rec)["job_id"].(string)
	require.NotEmpty(t, jobID)

	job, err := f.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, harvest.JobStatusPending, job.Status)
	assert.Equal(t, harvest.JobTypeFetchComments, job.Type)
	assert.Equal(t, int64(7), job.OwnerID)

	item, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobID, item.JobID)
	assert.Equal(t, 2, item.Priority)
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", map[string]any{
			"type": "nonsense", "owner_id": 7,
			"parameters": map[string]any{"group_ids": []int64{1}},
		}},
		{"missing owner", map[string]any{
			"type":       "process_groups",
			"parameters": map[string]any{"group_ids": []int64{1}},
		}},
		{"empty group ids", map[string]any{
			"type": "process_groups", "owner_id": 7,
			"parameters": map[string]any{"group_ids": []int64{}},
		}},
		{"unknown parameter field", map[string]any{
			"type": "process_groups", "owner_id": 7,
			"parameters": map[string]any{"group_ids": []int64{1}, "bogus": true},
		}},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, "/v1/jobs", tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
	}
}

func TestGetJobStatusComputesPercentage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{
		ID:         "job-1",
		Type:       harvest.JobTypeFetchComments,
		Status:     harvest.JobStatusPending,
		Parameters: &harvest.CommentParams{GroupIDs: []int64{1}},
		CreatedAt:  f.clock.now,
	}))
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, "job-1", harvest.JobStatusProcessing, ""))
	require.NoError(t, f.jobs.UpdateJobMetrics(ctx, "job-1", harvest.PhaseMetrics{
		GroupsTotal: 1, GroupsProcessed: 1,
	}))

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	// Only the groups phase (weight 0.10) is done.
	assert.Equal(t, float64(10), body["percentage"])
	assert.Equal(t, "processing", body["status"])
}

func TestGetJobStatusNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := f.do(t, http.MethodGet, "/v1/jobs/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobResultRequiresTerminalState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{
		ID:         "job-1",
		Type:       harvest.JobTypeProcessGroups,
		Status:     harvest.JobStatusPending,
		Parameters: &harvest.GroupParams{GroupIDs: []int64{1}},
	}))

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1/result", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.jobs.UpdateJobStatus(ctx, "job-1", harvest.JobStatusProcessing, ""))
	require.NoError(t, f.jobs.SetJobResult(ctx, "job-1", harvest.Result{Groups: 2}))
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, "job-1", harvest.JobStatusCompleted, ""))

	rec = f.do(t, http.MethodGet, "/v1/jobs/job-1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(2), result["groups"])
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	require.NoError(t, f.jobs.CreateJob(context.Background(), harvest.Job{
		ID:         "job-1",
		Type:       harvest.JobTypeProcessGroups,
		Status:     harvest.JobStatusPending,
		Parameters: &harvest.GroupParams{GroupIDs: []int64{1}},
	}))

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, _ := f.jobs.GetJob(context.Background(), "job-1")
	assert.Equal(t, harvest.JobStatusCancelled, job.Status)
}

func TestCancelProcessingJobSignalsWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{
		ID:         "job-1",
		Type:       harvest.JobTypeProcessGroups,
		Status:     harvest.JobStatusPending,
		Parameters: &harvest.GroupParams{GroupIDs: []int64{1}},
	}))
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, "job-1", harvest.JobStatusProcessing, ""))
	jobCtx, release := f.registry.Register(ctx, "job-1", 0)
	defer release()

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-jobCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("worker context was not cancelled")
	}
	// The final status is the worker's to write once it drains.
	job, _ := f.jobs.GetJob(ctx, "job-1")
	assert.Equal(t, harvest.JobStatusProcessing, job.Status)
}

func TestCancelFinishedJobConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, harvest.Job{
		ID:         "job-1",
		Type:       harvest.JobTypeProcessGroups,
		Status:     harvest.JobStatusPending,
		Parameters: &harvest.GroupParams{GroupIDs: []int64{1}},
	}))
	require.NoError(t, f.jobs.UpdateJobStatus(ctx, "job-1", harvest.JobStatusCancelled, ""))

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	f := newFixture(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
