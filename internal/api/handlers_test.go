package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpuorchestrator/internal/admission"
	"github.com/aiserve/gpuorchestrator/internal/api"
	"github.com/aiserve/gpuorchestrator/internal/auth"
	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/middleware"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/monitor"
	"github.com/aiserve/gpuorchestrator/internal/placement"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/router"
	"github.com/aiserve/gpuorchestrator/internal/runner"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

const testJWTSecret = "api-test-secret"

type apiFixture struct {
	server *httptest.Server
	store  *store.MemoryStore
	fake   *providers.FakeAdapter

	userID     uuid.UUID
	userToken  string
	adminToken string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st := store.NewMemoryStore()
	fake := providers.NewFakeAdapter("fake", 1, []providers.GPUOffering{
		{GPUType: "A100", MemoryGB: 80, HourlyPriceUSD: 2.49, AvailableCount: 8, Regions: []string{"dev"}},
	})
	registry := providers.NewRegistry()
	registry.Register(fake, nil)

	cfg := &config.Config{
		Providers: config.ProvidersConfig{DefaultGPUType: "A100"},
		Scheduler: config.SchedulerConfig{
			MaxConcurrentJobs: 10,
			JobTimeoutHours:   24,
			QueueHighWater:    1000,
			QueueLowWater:     800,
		},
	}

	planner := placement.NewPlanner(registry, st, placement.StrategyCostOptimized)
	mon := monitor.New(st, registry, 20*time.Millisecond)
	run := runner.New(st, registry, planner, mon, &runner.FakeWorkload{}, runner.Config{
		ReadinessTimeout: time.Second,
	})
	adm := admission.New(st, registry, cfg, nil)

	mux := router.New(router.Deps{
		Jobs:      api.NewJobHandler(st, adm, run),
		Queue:     api.NewQueueHandler(st, cfg.Scheduler),
		Providers: api.NewProviderHandler(st, registry),
		Templates: api.NewTemplateHandler(st),
		Instances: api.NewInstanceHandler(st, registry),
		Admin:     api.NewAdminHandler(st, registry, nil),
		WS:        api.NewWebSocketHandler(st, time.Second),
		Auth:      middleware.NewAuthMiddleware(testJWTSecret),
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	userID := uuid.New()
	userToken, err := auth.GenerateToken(userID, "user@example.com", false, testJWTSecret, time.Hour)
	require.NoError(t, err)
	adminToken, err := auth.GenerateToken(uuid.New(), "ops@example.com", true, testJWTSecret, time.Hour)
	require.NoError(t, err)

	return &apiFixture{
		server:     server,
		store:      st,
		fake:       fake,
		userID:     userID,
		userToken:  userToken,
		adminToken: adminToken,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func (f *apiFixture) submitJob(t *testing.T) models.Job {
	t.Helper()
	resp := f.do(t, "POST", "/api/v1/jobs/submit", f.userToken, map[string]interface{}{
		"job_type":   "batch",
		"model_name": "generic",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job models.Job
	decodeBody(t, resp, &job)
	return job
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/v1/jobs", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/jobs", "garbage-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitJob(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, f.userID, job.UserID)
	assert.Equal(t, 5, job.Priority)
	assert.InDelta(t, 2.49, job.EstimatedCostUSD, 0.001)
}

func TestSubmitValidationMapsTo400(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "POST", "/api/v1/jobs/submit", f.userToken, map[string]interface{}{
		"job_type":   "bogus",
		"model_name": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "VALIDATION", body["class"])
}

func TestSubmitMissingTemplateMapsTo404(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "POST", "/api/v1/jobs/submit", f.userToken, map[string]interface{}{
		"template_name": "nope",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetJobWithEvents(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	resp := f.do(t, "GET", "/api/v1/jobs/"+job.ID.String(), f.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Job    models.Job         `json:"job"`
		Events []*models.JobEvent `json:"events"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, job.ID, body.Job.ID)
}

func TestForeignJobReadsAsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	otherToken, err := auth.GenerateToken(uuid.New(), "", false, testJWTSecret, time.Hour)
	require.NoError(t, err)

	resp := f.do(t, "GET", "/api/v1/jobs/"+job.ID.String(), otherToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// admins can read anyone's job
	resp = f.do(t, "GET", "/api/v1/jobs/"+job.ID.String(), f.adminToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListJobsScopedToCaller(t *testing.T) {
	f := newAPIFixture(t)
	f.submitJob(t)

	otherToken, err := auth.GenerateToken(uuid.New(), "", false, testJWTSecret, time.Hour)
	require.NoError(t, err)

	resp := f.do(t, "GET", "/api/v1/jobs", otherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Jobs  []*models.Job `json:"jobs"`
		Count int           `json:"count"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 0, body.Count)

	// admin with ?all=true sees everything
	resp = f.do(t, "GET", "/api/v1/jobs?all=true", f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Equal(t, 1, body.Count)
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	resp := f.do(t, "POST", fmt.Sprintf("/api/v1/jobs/%s/cancel", job.ID), f.userToken, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "cancelling", body["status"])
}

func TestUpdatePriority(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	resp := f.do(t, "PUT", fmt.Sprintf("/api/v1/jobs/%s/priority", job.ID), f.userToken,
		map[string]int{"priority": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.Job
	decodeBody(t, resp, &updated)
	assert.Equal(t, 1, updated.Priority)

	// out of range priority
	resp = f.do(t, "PUT", fmt.Sprintf("/api/v1/jobs/%s/priority", job.ID), f.userToken,
		map[string]int{"priority": 11})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdatePriorityRejectsDispatchedJob(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusRunning
	require.NoError(t, f.store.UpdateJob(context.Background(), got, "test dispatch"))

	resp := f.do(t, "PUT", fmt.Sprintf("/api/v1/jobs/%s/priority", job.ID), f.userToken,
		map[string]int{"priority": 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.submitJob(t)

	resp := f.do(t, "GET", "/api/v1/queue/status", f.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, float64(1), body["queued"])
	assert.Equal(t, true, body["accepting"])
}

func TestQuotaStatusDefaults(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "GET", "/api/v1/quota/status", f.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Quota models.ResourceQuota `json:"quota"`
		Usage models.QuotaUsage    `json:"usage"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 5, body.Quota.MaxConcurrentJobs)
	assert.Equal(t, 0, body.Usage.ActiveJobs)
}

func TestProviderStatusAndPricing(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, "GET", "/api/v1/providers/status", f.userToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/providers/fake/pricing", f.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var offerings []providers.GPUOffering
	decodeBody(t, resp, &offerings)
	require.Len(t, offerings, 1)
	assert.Equal(t, "A100", offerings[0].GPUType)
}

func TestTemplateAdminLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	template := map[string]interface{}{
		"name":       "batch-default",
		"job_type":   "batch",
		"model_name": "generic",
		"gpu_type":   "A100",
		"gpu_count":  1,
	}

	// non-admin cannot create
	resp := f.do(t, "POST", "/api/v1/admin/templates", f.userToken, template)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "POST", "/api/v1/admin/templates", f.adminToken, template)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/templates/batch-default", f.userToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tpl models.JobTemplate
	decodeBody(t, resp, &tpl)
	assert.Equal(t, "batch-default", tpl.Name)
}

func TestAdminQuotaRoundtrip(t *testing.T) {
	f := newAPIFixture(t)
	target := uuid.New()

	resp := f.do(t, "GET", "/api/v1/admin/quotas/"+target.String(), f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quota models.ResourceQuota
	decodeBody(t, resp, &quota)
	assert.Equal(t, 5, quota.MaxConcurrentJobs) // defaults before any row exists

	resp = f.do(t, "PUT", "/api/v1/admin/quotas/"+target.String(), f.adminToken, map[string]interface{}{
		"max_concurrent_jobs":   2,
		"max_gpu_hours_per_day": 10,
		"max_cost_per_day_usd":  25,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/admin/quotas/"+target.String(), f.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &quota)
	assert.Equal(t, 2, quota.MaxConcurrentJobs)
}

func TestAdminProviderConfigWithoutBoxRejectsCredentials(t *testing.T) {
	f := newAPIFixture(t)

	// plain config patch works without a credentials key
	resp := f.do(t, "PUT", "/api/v1/admin/providers/fake", f.adminToken, map[string]interface{}{
		"priority": 4,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// sealing credentials requires the box
	resp = f.do(t, "PUT", "/api/v1/admin/providers/fake", f.adminToken, map[string]interface{}{
		"credentials": map[string]string{"api_key": "secret"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatchJobStreamsStatusFrames(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/ws/jobs/" + job.ID.String()
	header := http.Header{"Authorization": {"Bearer " + f.userToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	type frame struct {
		Type   string           `json:"type"`
		JobID  string           `json:"job_id"`
		Status models.JobStatus `json:"status"`
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "job_status", first.Type)
	assert.Equal(t, job.ID.String(), first.JobID)
	assert.Equal(t, models.JobStatusQueued, first.Status)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusCompleted
	now := time.Now().UTC()
	got.CompletedAt = &now
	require.NoError(t, f.store.UpdateJob(context.Background(), got, "test completion"))

	var terminal frame
	require.NoError(t, conn.ReadJSON(&terminal))
	assert.Equal(t, models.JobStatusCompleted, terminal.Status)
}

func TestWatchForeignJobRejectedBeforeUpgrade(t *testing.T) {
	f := newAPIFixture(t)
	job := f.submitJob(t)

	otherToken, err := auth.GenerateToken(uuid.New(), "", false, testJWTSecret, time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/ws/jobs/" + job.ID.String()
	header := http.Header{"Authorization": {"Bearer " + otherToken}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "GET", "/api/v1/admin/instances", f.userToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
