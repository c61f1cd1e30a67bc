package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

func newJob(userID uuid.UUID, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:                uuid.New(),
		UserID:            userID,
		JobType:           models.JobTypeBatch,
		ModelName:         "generic",
		Priority:          priority,
		GPUTypeRequired:   "A100",
		GPUCountRequired:  1,
		MaxRuntimeMinutes: 60,
		Status:            models.JobStatusQueued,
		MaxRetries:        3,
		CreatedAt:         createdAt,
	}
}

func TestJobLifecycleAndEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := newJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Version)

	got.Status = models.JobStatusAssigned
	require.NoError(t, s.UpdateJob(ctx, got, "placement"))
	assert.Equal(t, 1, got.Version)

	got.Status = models.JobStatusRunning
	require.NoError(t, s.UpdateJob(ctx, got, "instance ready"))

	events, err := s.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.JobStatusQueued, events[0].From)
	assert.Equal(t, models.JobStatusAssigned, events[0].To)
	assert.Equal(t, models.JobStatusRunning, events[1].To)
}

func TestUpdateJobVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := newJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	a, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	b, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	a.Status = models.JobStatusAssigned
	require.NoError(t, s.UpdateJob(ctx, a, "first writer"))

	b.Status = models.JobStatusCancelled
	err = s.UpdateJob(ctx, b, "second writer")
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	// the first writer's state won
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAssigned, got.Status)
}

func TestListRunnableOrderingAndBackoff(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	low := newJob(uuid.New(), 9, now.Add(-3*time.Hour))
	highOld := newJob(uuid.New(), 2, now.Add(-2*time.Hour))
	highNew := newJob(uuid.New(), 2, now.Add(-1*time.Hour))
	backedOff := newJob(uuid.New(), 1, now.Add(-4*time.Hour))
	retry := now.Add(5 * time.Minute)
	backedOff.NextRetryAt = &retry

	running := newJob(uuid.New(), 1, now.Add(-5*time.Hour))
	running.Status = models.JobStatusRunning

	for _, j := range []*models.Job{low, highOld, highNew, backedOff, running} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	jobs, err := s.ListRunnable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, highOld.ID, jobs[0].ID)
	assert.Equal(t, highNew.ID, jobs[1].ID)
	assert.Equal(t, low.ID, jobs[2].ID)

	// the backed-off job becomes runnable once its retry time elapses
	jobs, err = s.ListRunnable(ctx, now.Add(6*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, backedOff.ID, jobs[0].ID)
}

func TestInstanceUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := &models.Instance{
		ID:                 uuid.New(),
		Provider:           "runpod",
		ProviderInstanceID: "pod-1",
		GPUType:            "A100",
		Status:             models.InstanceStatusPending,
		CreatedAt:          time.Now().UTC(),
		JobID:              uuid.New(),
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	dup := &models.Instance{
		ID:                 uuid.New(),
		Provider:           "runpod",
		ProviderInstanceID: "pod-1",
		Status:             models.InstanceStatusPending,
		CreatedAt:          time.Now().UTC(),
		JobID:              uuid.New(),
	}
	assert.Error(t, s.CreateInstance(ctx, dup))

	// same provider id under a different provider is fine
	other := &models.Instance{
		ID:                 uuid.New(),
		Provider:           "vastai",
		ProviderInstanceID: "pod-1",
		Status:             models.InstanceStatusPending,
		CreatedAt:          time.Now().UTC(),
		JobID:              uuid.New(),
	}
	assert.NoError(t, s.CreateInstance(ctx, other))
}

func TestFinalizeJobWritesBothRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	job := newJob(uuid.New(), 5, now.Add(-time.Hour))
	require.NoError(t, s.CreateJob(ctx, job))

	inst := &models.Instance{
		ID:                 uuid.New(),
		Provider:           "fake",
		ProviderInstanceID: "i-1",
		Status:             models.InstanceStatusRunning,
		HourlyCostUSD:      2.0,
		CreatedAt:          now.Add(-time.Hour),
		JobID:              job.ID,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	job, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.ActualCostUSD = 2.0

	stopped := now
	inst.Status = models.InstanceStatusTerminated
	inst.StoppedAt = &stopped
	inst.TotalCostUSD = 2.0

	require.NoError(t, s.FinalizeJob(ctx, job, inst, "workload succeeded"))

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, gotJob.Status)
	assert.Equal(t, 2.0, gotJob.ActualCostUSD)

	gotInst, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusTerminated, gotInst.Status)
	assert.Equal(t, 2.0, gotInst.TotalCostUSD)
}

func TestUsageSinceAggregatesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := uuid.New()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	completedToday := newJob(userID, 5, now.Add(-3*time.Hour))
	completedToday.Status = models.JobStatusCompleted
	started := now.Add(-2 * time.Hour)
	done := now.Add(-1 * time.Hour)
	completedToday.StartedAt = &started
	completedToday.CompletedAt = &done
	completedToday.GPUCountRequired = 2
	completedToday.ActualCostUSD = 4.98

	yesterday := newJob(userID, 5, now.Add(-30*time.Hour))
	yesterday.Status = models.JobStatusCompleted
	yStart := now.Add(-28 * time.Hour)
	yDone := now.Add(-26 * time.Hour)
	yesterday.StartedAt = &yStart
	yesterday.CompletedAt = &yDone
	yesterday.ActualCostUSD = 10

	active := newJob(userID, 5, now)

	otherUser := newJob(uuid.New(), 5, now)

	for _, j := range []*models.Job{completedToday, yesterday, active, otherUser} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	usage, err := s.UsageSince(ctx, userID, startOfDay)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.ActiveJobs)
	assert.InDelta(t, 2.0, usage.GPUHoursToday, 0.01) // 1h × 2 GPUs
	assert.InDelta(t, 4.98, usage.CostTodayUSD, 0.001)
}

func TestCountActiveInstances(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	alice := uuid.New()
	bob := uuid.New()

	aliceJob := newJob(alice, 5, now)
	aliceJob.Status = models.JobStatusRunning
	bobJob := newJob(bob, 5, now)
	bobJob.Status = models.JobStatusRunning
	doneJob := newJob(alice, 5, now)
	doneJob.Status = models.JobStatusCompleted
	for _, j := range []*models.Job{aliceJob, bobJob, doneJob} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	instances := []*models.Instance{
		{ID: uuid.New(), Provider: "runpod", ProviderInstanceID: "rp-1",
			Status: models.InstanceStatusRunning, CreatedAt: now, JobID: aliceJob.ID},
		{ID: uuid.New(), Provider: "runpod", ProviderInstanceID: "rp-2",
			Status: models.InstanceStatusPending, CreatedAt: now, JobID: bobJob.ID},
		{ID: uuid.New(), Provider: "vastai", ProviderInstanceID: "va-1",
			Status: models.InstanceStatusRunning, CreatedAt: now, JobID: bobJob.ID},
		// terminated instances never count
		{ID: uuid.New(), Provider: "runpod", ProviderInstanceID: "rp-3",
			Status: models.InstanceStatusTerminated, CreatedAt: now, JobID: doneJob.ID},
	}
	for _, inst := range instances {
		require.NoError(t, s.CreateInstance(ctx, inst))
	}

	total, err := s.CountActiveInstances(ctx, "runpod", uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	mine, err := s.CountActiveInstances(ctx, "runpod", alice)
	require.NoError(t, err)
	assert.Equal(t, 1, mine)

	none, err := s.CountActiveInstances(ctx, "vastai", alice)
	require.NoError(t, err)
	assert.Equal(t, 0, none)
}

func TestUsageSinceCountsInstancesPerProvider(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	userID := uuid.New()

	job := newJob(userID, 5, now)
	job.Status = models.JobStatusRunning
	require.NoError(t, s.CreateJob(ctx, job))
	stranger := newJob(uuid.New(), 5, now)
	stranger.Status = models.JobStatusRunning
	require.NoError(t, s.CreateJob(ctx, stranger))

	stopped := now
	instances := []*models.Instance{
		{ID: uuid.New(), Provider: "runpod", ProviderInstanceID: "rp-1",
			Status: models.InstanceStatusRunning, CreatedAt: now, JobID: job.ID},
		{ID: uuid.New(), Provider: "runpod", ProviderInstanceID: "rp-2",
			Status: models.InstanceStatusTerminated, StoppedAt: &stopped,
			CreatedAt: now, JobID: job.ID},
		{ID: uuid.New(), Provider: "vastai", ProviderInstanceID: "va-1",
			Status: models.InstanceStatusRunning, CreatedAt: now, JobID: stranger.ID},
	}
	for _, inst := range instances {
		require.NoError(t, s.CreateInstance(ctx, inst))
	}

	usage, err := s.UsageSince(ctx, userID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, usage.InstancesByProv["runpod"])
	assert.Zero(t, usage.InstancesByProv["vastai"])
}

func TestQuotaAndProviderConfigRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	userID := uuid.New()

	_, err := s.GetQuota(ctx, userID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	quota := models.DefaultQuota(userID)
	quota.MaxConcurrentJobs = 2
	require.NoError(t, s.UpsertQuota(ctx, quota))

	got, err := s.GetQuota(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxConcurrentJobs)

	cfg := &models.ProviderConfig{ID: uuid.New(), Name: "runpod", Enabled: true, Priority: 1}
	require.NoError(t, s.UpsertProviderConfig(ctx, cfg))

	at := time.Now().UTC()
	require.NoError(t, s.UpdateProviderHealth(ctx, "runpod", models.HealthUnhealthy, at))

	gotCfg, err := s.GetProviderConfig(ctx, "runpod")
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, gotCfg.HealthStatus)
	require.NotNil(t, gotCfg.LastHealthCheck)
}

func TestCompactJobEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := newJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusAssigned
	require.NoError(t, s.UpdateJob(ctx, got, "placement"))

	removed, err := s.CompactJobEvents(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := s.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
