package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/monitor"
	"github.com/aiserve/gpuorchestrator/internal/placement"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/runner"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrentJobs: 10,
		TickInterval:      time.Second,
		AgingWindow:       time.Hour,
		FairnessBurst:     2,
		CleanupInterval:   time.Minute,
		HistoryRetention:  30 * 24 * time.Hour,
	}
}

func buildScheduler(st store.Store, cfg config.SchedulerConfig) (*Scheduler, *providers.FakeAdapter) {
	fake := providers.NewFakeAdapter("fake", 1, []providers.GPUOffering{
		{GPUType: "A100", HourlyPriceUSD: 2.49, AvailableCount: 8, Regions: []string{"dev"}},
	})
	registry := providers.NewRegistry()
	registry.Register(fake, nil)

	planner := placement.NewPlanner(registry, st, placement.StrategyCostOptimized)
	mon := monitor.New(st, registry, 20*time.Millisecond)
	run := runner.New(st, registry, planner, mon, &runner.FakeWorkload{}, runner.Config{
		ReadinessTimeout: 2 * time.Second,
	})
	return New(st, run, cfg), fake
}

func queuedJob(userID uuid.UUID, priority int, createdAt time.Time) *models.Job {
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

func TestOrderAppliesAging(t *testing.T) {
	s, _ := buildScheduler(store.NewMemoryStore(), schedulerConfig())
	now := time.Now().UTC()

	fresh := queuedJob(uuid.New(), 3, now.Add(-time.Minute))
	// priority 5 aged three one-hour windows becomes effective 2
	aged := queuedJob(uuid.New(), 5, now.Add(-3*time.Hour-time.Minute))

	ordered := s.order([]*models.Job{fresh, aged}, now)
	assert.Equal(t, aged.ID, ordered[0].ID)
	assert.Equal(t, fresh.ID, ordered[1].ID)
}

func TestOrderTieBreaksOnAge(t *testing.T) {
	s, _ := buildScheduler(store.NewMemoryStore(), schedulerConfig())
	now := time.Now().UTC()

	newer := queuedJob(uuid.New(), 5, now.Add(-time.Minute))
	older := queuedJob(uuid.New(), 5, now.Add(-5*time.Minute))

	ordered := s.order([]*models.Job{newer, older}, now)
	assert.Equal(t, older.ID, ordered[0].ID)
}

func TestFairnessDefersBulkSubmitter(t *testing.T) {
	s, _ := buildScheduler(store.NewMemoryStore(), schedulerConfig())
	now := time.Now().UTC()

	bulk := uuid.New()
	other := uuid.New()
	a1 := queuedJob(bulk, 5, now.Add(-5*time.Minute))
	a2 := queuedJob(bulk, 5, now.Add(-4*time.Minute))
	a3 := queuedJob(bulk, 5, now.Add(-3*time.Minute))
	a4 := queuedJob(bulk, 5, now.Add(-2*time.Minute))
	b1 := queuedJob(other, 5, now.Add(-time.Minute))

	result := s.applyFairness([]*models.Job{a1, a2, a3, a4, b1})
	require.Len(t, result, 5)
	assert.Equal(t, a1.ID, result[0].ID)
	assert.Equal(t, a2.ID, result[1].ID)
	assert.Equal(t, b1.ID, result[2].ID) // a3, a4 deferred past the burst
	assert.Equal(t, a3.ID, result[3].ID)
	assert.Equal(t, a4.ID, result[4].ID)
}

func TestFairnessNoopUnderBurst(t *testing.T) {
	s, _ := buildScheduler(store.NewMemoryStore(), schedulerConfig())
	now := time.Now().UTC()
	jobs := []*models.Job{
		queuedJob(uuid.New(), 5, now),
		queuedJob(uuid.New(), 5, now),
	}
	assert.Equal(t, jobs, s.applyFairness(jobs))
}

func TestTickRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := schedulerConfig()
	cfg.MaxConcurrentJobs = 2
	s, fake := buildScheduler(st, cfg)

	// saturate capacity with active jobs
	for i := 0; i < 2; i++ {
		job := queuedJob(uuid.New(), 5, time.Now().UTC())
		job.Status = models.JobStatusRunning
		require.NoError(t, st.CreateJob(ctx, job))
	}
	queued := queuedJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, queued))

	require.NoError(t, s.Tick(ctx))
	time.Sleep(100 * time.Millisecond)

	got, err := st.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, fake.CreateCalls)
}

func TestTickDispatchesRunnableJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s, fake := buildScheduler(st, schedulerConfig())

	job := queuedJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, job))

	// flip the instance to ready once the runner provisions it
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(10 * time.Millisecond):
			}
			instances, err := st.ListInstances(ctx, store.InstanceFilter{})
			if err != nil || len(instances) == 0 {
				continue
			}
			id := instances[0].ProviderInstanceID
			fake.SetInstanceEndpoint(id, "203.0.113.5")
			fake.SetInstanceStatus(id, models.InstanceStatusRunning)
			return
		}
	}()

	require.NoError(t, s.Tick(ctx))

	deadline := time.After(10 * time.Second)
	for {
		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			assert.Equal(t, models.JobStatusCompleted, got.Status)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTickCountsClaimedDispatchesAgainstCapacity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := schedulerConfig()
	cfg.MaxConcurrentJobs = 1
	s, fake := buildScheduler(st, cfg)

	// a dispatch from an earlier tick still holds its claim: the job is
	// handed off but the runner has not moved it out of QUEUED yet
	claimed := queuedJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, claimed))
	require.True(t, s.claim(claimed.ID))

	waiting := queuedJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, waiting))

	require.NoError(t, s.Tick(ctx))
	time.Sleep(100 * time.Millisecond)

	got, err := st.GetJob(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, fake.CreateCalls)
}

func TestBackToBackTicksDispatchJobOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s, fake := buildScheduler(st, schedulerConfig())

	job := queuedJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, job))

	// the second tick fires before the runner goroutine has touched the
	// job; the claim from the first must make it invisible
	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 1, fake.CreateCalls)

	instances, err := st.ListInstances(ctx, store.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestCandidateLimitClearsHighWater(t *testing.T) {
	cfg := schedulerConfig()
	s, _ := buildScheduler(store.NewMemoryStore(), cfg)
	assert.Equal(t, 256, s.candidateLimit())

	cfg.QueueHighWater = 300
	s, _ = buildScheduler(store.NewMemoryStore(), cfg)
	assert.Equal(t, 600, s.candidateLimit())

	cfg.QueueHighWater = 100
	s, _ = buildScheduler(store.NewMemoryStore(), cfg)
	assert.Equal(t, 256, s.candidateLimit())
}

func TestAgedJobSurvivesDeepQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := schedulerConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.QueueHighWater = 150 // scan window 300
	s, _ := buildScheduler(st, cfg)

	now := time.Now().UTC()
	// 270 fresh top-priority jobs sort ahead of the aged one in the raw
	// priority order the store returns
	for i := 0; i < 270; i++ {
		require.NoError(t, st.CreateJob(ctx, queuedJob(uuid.New(), 1, now)))
	}
	// ten hour-long aging windows take priority 10 down to the floor, and
	// the oldest created_at wins the tie
	aged := queuedJob(uuid.New(), 10, now.Add(-10*time.Hour))
	require.NoError(t, st.CreateJob(ctx, aged))

	require.NoError(t, s.Tick(ctx))

	deadline := time.After(5 * time.Second)
	for {
		got, err := st.GetJob(ctx, aged.ID)
		require.NoError(t, err)
		if got.Status != models.JobStatusQueued {
			return
		}
		select {
		case <-deadline:
			t.Fatal("aged job was never dispatched")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWakeCoalesces(t *testing.T) {
	s, _ := buildScheduler(store.NewMemoryStore(), schedulerConfig())
	// many wakes must never block
	for i := 0; i < 10; i++ {
		s.Wake()
	}
}

func newJanitor(st store.Store, cfg config.SchedulerConfig) (*Janitor, *providers.FakeAdapter) {
	fake := providers.NewFakeAdapter("fake", 1, []providers.GPUOffering{
		{GPUType: "A100", HourlyPriceUSD: 2.0, AvailableCount: 8},
	})
	registry := providers.NewRegistry()
	registry.Register(fake, nil)
	return NewJanitor(st, registry, cfg), fake
}

func TestJanitorReapsOrphanInstances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	j, fake := newJanitor(st, schedulerConfig())
	now := time.Now().UTC()
	started := now.Add(-time.Hour)

	terminalJob := queuedJob(uuid.New(), 5, started)
	terminalJob.Status = models.JobStatusCompleted
	require.NoError(t, st.CreateJob(ctx, terminalJob))

	liveJob := queuedJob(uuid.New(), 5, started)
	liveJob.Status = models.JobStatusRunning
	require.NoError(t, st.CreateJob(ctx, liveJob))

	orphan := &models.Instance{
		ID: uuid.New(), Provider: "fake", ProviderInstanceID: "orph-1",
		Status: models.InstanceStatusRunning, HourlyCostUSD: 2.0,
		CreatedAt: started, StartedAt: &started, JobID: terminalJob.ID,
	}
	missingJob := &models.Instance{
		ID: uuid.New(), Provider: "fake", ProviderInstanceID: "orph-2",
		Status: models.InstanceStatusRunning, HourlyCostUSD: 2.0,
		CreatedAt: started, StartedAt: &started, JobID: uuid.New(),
	}
	healthy := &models.Instance{
		ID: uuid.New(), Provider: "fake", ProviderInstanceID: "live-1",
		Status: models.InstanceStatusRunning, HourlyCostUSD: 2.0,
		CreatedAt: started, StartedAt: &started, JobID: liveJob.ID,
	}
	for _, inst := range []*models.Instance{orphan, missingJob, healthy} {
		require.NoError(t, st.CreateInstance(ctx, inst))
	}

	j.Sweep(ctx)

	got, err := st.GetInstance(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusTerminated, got.Status)
	require.NotNil(t, got.StoppedAt)
	assert.InDelta(t, 2.0, got.TotalCostUSD, 0.1) // ~1h at $2/h

	got, err = st.GetInstance(ctx, missingJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusTerminated, got.Status)

	got, err = st.GetInstance(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, got.Status)

	assert.Equal(t, 2, fake.TerminateCalls)
}

func TestJanitorTimesOutStaleRunningJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	j, _ := newJanitor(st, schedulerConfig())
	now := time.Now().UTC()

	stale := queuedJob(uuid.New(), 5, now.Add(-3*time.Hour))
	stale.Status = models.JobStatusRunning
	staleStart := now.Add(-2 * time.Hour) // 60min budget × 1.5 = 90min, exceeded
	stale.StartedAt = &staleStart
	require.NoError(t, st.CreateJob(ctx, stale))

	fresh := queuedJob(uuid.New(), 5, now.Add(-time.Hour))
	fresh.Status = models.JobStatusRunning
	freshStart := now.Add(-30 * time.Minute)
	fresh.StartedAt = &freshStart
	require.NoError(t, st.CreateJob(ctx, fresh))

	j.Sweep(ctx)

	got, err := st.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusTimeout, got.Status)
	assert.Equal(t, "exceeded maximum runtime", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	got, err = st.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestJanitorCompactsHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := schedulerConfig()
	cfg.HistoryRetention = time.Hour
	j, _ := newJanitor(st, cfg)

	job := queuedJob(uuid.New(), 5, time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, job))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusAssigned
	require.NoError(t, st.UpdateJob(ctx, got, "placement"))

	// with the clock pushed two hours forward the event falls out of retention
	j.SetNow(func() time.Time { return time.Now().Add(2 * time.Hour) })
	j.Sweep(ctx)

	events, err := st.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
