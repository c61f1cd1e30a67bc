package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/monitor"
	"github.com/aiserve/gpuorchestrator/internal/placement"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

type harness struct {
	store    *store.MemoryStore
	fake     *providers.FakeAdapter
	registry *providers.Registry
	workload *FakeWorkload
	runner   *Runner
}

func newHarness(t *testing.T, readinessTimeout time.Duration) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	fake := providers.NewFakeAdapter("fake", 1, []providers.GPUOffering{
		{GPUType: "A100", MemoryGB: 80, HourlyPriceUSD: 2.49, AvailableCount: 8, Regions: []string{"dev"}},
	})
	registry := providers.NewRegistry()
	registry.Register(fake, nil)

	planner := placement.NewPlanner(registry, st, placement.StrategyCostOptimized)
	mon := monitor.New(st, registry, 20*time.Millisecond)
	workload := &FakeWorkload{}
	run := New(st, registry, planner, mon, workload, Config{
		ReadinessTimeout: readinessTimeout,
		ProgressInterval: 20 * time.Millisecond,
	})

	return &harness{store: st, fake: fake, registry: registry, workload: workload, runner: run}
}

func (h *harness) queueJob(t *testing.T) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		JobType:           models.JobTypeBatch,
		ModelName:         "generic",
		Priority:          5,
		GPUTypeRequired:   "A100",
		GPUCountRequired:  1,
		MaxRuntimeMinutes: 60,
		Status:            models.JobStatusQueued,
		MaxRetries:        3,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

// markReadyWhenProvisioned flips the fake instance to running with an
// endpoint as soon as the runner has created it.
func (h *harness) markReadyWhenProvisioned(t *testing.T) {
	t.Helper()
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(10 * time.Millisecond):
			}
			instances, err := h.store.ListInstances(context.Background(), store.InstanceFilter{})
			if err != nil || len(instances) == 0 {
				continue
			}
			id := instances[0].ProviderInstanceID
			h.fake.SetInstanceEndpoint(id, "203.0.113.9")
			h.fake.SetInstanceStatus(id, models.InstanceStatusRunning)
			return
		}
	}()
}

func waitTerminal(t *testing.T, st store.Store, jobID uuid.UUID) *models.Job {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("job never reached a terminal state")
		case <-time.After(20 * time.Millisecond):
		}
		job, err := st.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
	}
}

func TestExecuteCompletesJob(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	job := h.queueJob(t)
	h.workload.Script(models.JSONMap{"answer": "42"}, nil, 0)
	h.markReadyWhenProvisioned(t)

	h.runner.Execute(context.Background(), job.ID)

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, float64(100), final.ProgressPercent)
	assert.Equal(t, "42", final.Output["answer"])
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.InstanceID)

	inst, err := h.store.GetInstance(context.Background(), *final.InstanceID)
	require.NoError(t, err)
	assert.True(t, inst.Status.Terminal())
	require.NotNil(t, inst.StoppedAt)
	assert.GreaterOrEqual(t, h.fake.TerminateCalls, 1)

	events, err := h.store.ListJobEvents(context.Background(), job.ID)
	require.NoError(t, err)
	var path []models.JobStatus
	for _, ev := range events {
		path = append(path, ev.To)
	}
	assert.Equal(t, []models.JobStatus{
		models.JobStatusAssigned,
		models.JobStatusRunning,
		models.JobStatusCompleted,
	}, path)
}

func TestExecuteIgnoresNonQueuedJob(t *testing.T) {
	h := newHarness(t, time.Second)
	job := h.queueJob(t)
	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusCompleted
	now := time.Now().UTC()
	got.CompletedAt = &now
	require.NoError(t, h.store.UpdateJob(context.Background(), got, "already done"))

	h.runner.Execute(context.Background(), job.ID)
	assert.Equal(t, 0, h.fake.CreateCalls)
}

func TestTransientCreateFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t, time.Second)
	job := h.queueJob(t)
	h.fake.CreateErr = models.NewError(models.ErrProvider, "capacity blip")

	before := time.Now().UTC()
	h.runner.Execute(context.Background(), job.ID)

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.InstanceID)
	require.NotNil(t, got.NextRetryAt)
	// first retry backs off one base interval
	assert.WithinDuration(t, before.Add(60*time.Second), *got.NextRetryAt, 5*time.Second)
}

func TestRetryExhaustionFails(t *testing.T) {
	h := newHarness(t, time.Second)
	job := h.queueJob(t)
	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	got.RetryCount = got.MaxRetries
	require.NoError(t, h.store.UpdateJob(context.Background(), got, "exhausted"))

	h.fake.CreateErr = models.NewError(models.ErrProvider, "capacity blip")
	h.runner.Execute(context.Background(), job.ID)

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "capacity blip")
}

func TestNoPlacementNeverRetries(t *testing.T) {
	h := newHarness(t, time.Second)
	job := h.queueJob(t)
	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	got.GPUTypeRequired = "B200" // nobody offers it
	require.NoError(t, h.store.UpdateJob(context.Background(), got, "edit"))

	h.runner.Execute(context.Background(), job.ID)

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 0, final.RetryCount)
}

func TestReadinessTimeoutRequeues(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	job := h.queueJob(t)
	// instance stays pending forever

	h.runner.Execute(context.Background(), job.ID)

	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	// startup timeout is a provider failure, so the first attempt requeues
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.GreaterOrEqual(t, h.fake.TerminateCalls, 1)
}

func TestWorkloadDeadlineBecomesTimeout(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	job := h.queueJob(t)
	h.workload.Script(nil, context.DeadlineExceeded, 0)
	h.markReadyWhenProvisioned(t)

	h.runner.Execute(context.Background(), job.ID)

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusTimeout, final.Status)
	// timeouts are final, never requeued
	assert.Equal(t, 0, final.RetryCount)
}

func TestConcurrentExecuteProvisionsOnce(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	job := h.queueJob(t)
	h.workload.Script(models.JSONMap{"ok": true}, nil, 0)
	h.markReadyWhenProvisioned(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runner.Execute(context.Background(), job.ID)
		}()
	}
	wg.Wait()

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	// only one of the two racers may win the claim and provision
	assert.Equal(t, 1, h.fake.CreateCalls)

	instances, err := h.store.ListInstances(context.Background(), store.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestRequeueSkipsFinalizedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Second)
	job := h.queueJob(t)

	// a runner still holding this stale snapshot hits a transient failure...
	stale, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)

	// ...after the job already finalised elsewhere
	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	done.Status = models.JobStatusCompleted
	now := time.Now().UTC()
	done.CompletedAt = &now
	done.ProgressPercent = 100
	require.NoError(t, h.store.UpdateJob(ctx, done, "finished"))

	eventsBefore, err := h.store.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)

	h.runner.requeue(ctx, stale, models.NewError(models.ErrProvider, "late failure"))

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 0, final.RetryCount)
	assert.Nil(t, final.NextRetryAt)

	eventsAfter, err := h.store.ListJobEvents(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, eventsAfter, len(eventsBefore))
}

func TestProgressAdvancesWhileRunning(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	job := h.queueJob(t)
	h.workload.Script(nil, nil, 2*time.Second)
	h.markReadyWhenProvisioned(t)

	var skewNanos atomic.Int64
	h.runner.SetNow(func() time.Time {
		return time.Now().Add(time.Duration(skewNanos.Load()))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.Execute(context.Background(), job.ID)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got, err := h.store.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status == models.JobStatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started running")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// half the 60-minute budget elapses
	skewNanos.Store(int64(30 * time.Minute))

	deadline = time.After(5 * time.Second)
	for {
		got, err := h.store.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			t.Fatal("job finished before a progress write landed")
		}
		if got.ProgressPercent > 0 {
			assert.InDelta(t, 50, got.ProgressPercent, 5)
			assert.Less(t, got.ProgressPercent, float64(100))
			break
		}
		select {
		case <-deadline:
			t.Fatal("progress never advanced past zero")
		case <-time.After(20 * time.Millisecond):
		}
	}
	<-done

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, float64(100), final.ProgressPercent)
}

func TestCancelQueuedJobWithoutRunner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Second)
	job := h.queueJob(t)

	require.NoError(t, h.runner.Cancel(ctx, job.ID))

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)

	// cancelling again is a no-op
	require.NoError(t, h.runner.Cancel(ctx, job.ID))
}

func TestCancelOrphanedRunningJobFinalizesCost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Second)
	job := h.queueJob(t)

	now := time.Now().UTC()
	started := now.Add(-time.Hour)
	inst := &models.Instance{
		ID:                 uuid.New(),
		Provider:           "fake",
		ProviderInstanceID: "fake-orphan-1",
		GPUType:            "A100",
		GPUCount:           1,
		Status:             models.InstanceStatusRunning,
		HourlyCostUSD:      2.0,
		CreatedAt:          started,
		StartedAt:          &started,
		JobID:              job.ID,
	}
	require.NoError(t, h.store.CreateInstance(ctx, inst))

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusRunning
	got.StartedAt = &started
	got.InstanceID = &inst.ID
	require.NoError(t, h.store.UpdateJob(ctx, got, "orphan setup"))

	require.NoError(t, h.runner.Cancel(ctx, job.ID))

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.InDelta(t, 2.0, final.ActualCostUSD, 0.1) // ~1h at $2/h

	finalInst, err := h.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, finalInst.Status.Terminal())
	assert.InDelta(t, 2.0, finalInst.TotalCostUSD, 0.1)
	assert.GreaterOrEqual(t, h.fake.TerminateCalls, 1)
}

func TestCancelDeliveredDuringExecution(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	job := h.queueJob(t)
	h.workload.Script(nil, nil, 3*time.Second)
	h.markReadyWhenProvisioned(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.Execute(context.Background(), job.ID)
	}()

	// wait for the job to start running, then cancel
	deadline := time.After(5 * time.Second)
	for {
		got, err := h.store.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status == models.JobStatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started running")
		case <-time.After(20 * time.Millisecond):
		}
	}
	require.NoError(t, h.runner.Cancel(context.Background(), job.ID))
	<-done

	final := waitTerminal(t, h.store, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.GreaterOrEqual(t, h.fake.TerminateCalls, 1)
}
