package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/monitor"
	"github.com/aiserve/gpuorchestrator/internal/placement"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

const (
	// DefaultReadinessTimeout bounds the wait for a created instance to
	// come up with a reachable endpoint.
	DefaultReadinessTimeout = 10 * time.Minute

	// wallClockFactor pads the user's max runtime before TIMEOUT fires.
	wallClockFactor = 1.1

	// retryBackoffBase and retryBackoffCap bound the requeue delay:
	// min(60s × 2^retry_count, 10m).
	retryBackoffBase = 60 * time.Second
	retryBackoffCap  = 10 * time.Minute

	// defaultProgressInterval paces the coarse progress writes while the
	// workload runs.
	defaultProgressInterval = 30 * time.Second

	// versionRetries bounds reapplies after an optimistic conflict.
	versionRetries = 3
)

// Config tunes one Runner. Zero values take the defaults above.
type Config struct {
	ReadinessTimeout time.Duration
	ProgressInterval time.Duration
	StorageGB        int
	ContainerDiskGB  int
	UseSpot          bool
	APIEndpoint      string
}

// Runner drives one job at a time through the state machine. Each Execute
// call owns its goroutine; per-job transitions are totally ordered because
// only that call writes them.
type Runner struct {
	store    store.Store
	registry *providers.Registry
	planner  *placement.Planner
	monitor  *monitor.Monitor
	workload Workload
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	cancels map[uuid.UUID]chan struct{}
}

func New(st store.Store, registry *providers.Registry, planner *placement.Planner, mon *monitor.Monitor, workload Workload, cfg Config) *Runner {
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultReadinessTimeout
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &Runner{
		store:    st,
		registry: registry,
		planner:  planner,
		monitor:  mon,
		workload: workload,
		cfg:      cfg,
		now:      time.Now,
		cancels:  make(map[uuid.UUID]chan struct{}),
	}
}

// SetNow injects a clock for tests.
func (r *Runner) SetNow(now func() time.Time) { r.now = now }

// Execute runs the job to a terminal state. It is handed QUEUED jobs by
// the scheduler and never blocks the caller. The cancel registration
// doubles as the dispatch claim: a job with a live runner is never
// picked up twice.
func (r *Runner) Execute(ctx context.Context, jobID uuid.UUID) {
	cancelCh, claimed := r.registerCancel(jobID)
	if !claimed {
		logging.Debug("job already has a live runner", map[string]interface{}{
			"job_id": jobID.String(),
		})
		return
	}
	defer r.unregisterCancel(jobID)

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		logging.Error("runner could not load job", map[string]interface{}{
			"job_id": jobID.String(),
			"error":  err.Error(),
		})
		return
	}
	if job.Status != models.JobStatusQueued {
		return
	}

	inst, err := r.provision(ctx, job, cancelCh)
	if err != nil {
		r.failFromQueued(ctx, job, err)
		return
	}
	if inst == nil {
		// cancelled while provisioning
		return
	}

	updates := make(chan monitor.Update, 8)
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go func() {
		if err := r.monitor.Watch(monCtx, inst.ID, updates); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("instance monitor exited", map[string]interface{}{
				"instance_id": inst.ID.String(),
				"error":       err.Error(),
			})
		}
	}()

	ready, err := r.awaitReady(ctx, job, inst, updates, cancelCh)
	if err != nil {
		r.terminate(ctx, inst)
		r.finalize(ctx, job, inst, models.JobStatusFailed, err, nil)
		return
	}
	if !ready {
		// cancelled while waiting
		r.terminate(ctx, inst)
		r.finalize(ctx, job, inst, models.JobStatusCancelled, models.NewError(models.ErrCancelled, "cancelled by user"), nil)
		return
	}

	r.run(ctx, job, inst, updates, cancelCh)
}

// provision plans placement and creates the instance, moving the job to
// ASSIGNED. A nil instance with nil error means the job was cancelled.
func (r *Runner) provision(ctx context.Context, job *models.Job, cancelCh <-chan struct{}) (*models.Instance, error) {
	select {
	case <-cancelCh:
		r.finalize(ctx, job, nil, models.JobStatusCancelled, models.NewError(models.ErrCancelled, "cancelled by user"), nil)
		return nil, nil
	default:
	}

	quota, err := r.store.GetQuota(ctx, job.UserID)
	if err == models.ErrNotFound {
		quota = models.DefaultQuota(job.UserID)
	} else if err != nil {
		return nil, err
	}

	plan, err := r.planner.Plan(ctx, job, quota)
	if err != nil {
		return nil, err
	}

	inst, err := r.registry.CreateInstance(ctx, plan.Provider, job, plan.GPUType, plan.GPUCount, providers.CreateOptions{
		Region:          plan.Region,
		StorageGB:       r.cfg.StorageGB,
		ContainerDiskGB: r.cfg.ContainerDiskGB,
		UseSpot:         r.cfg.UseSpot,
		APIEndpoint:     r.cfg.APIEndpoint,
	})
	if err != nil {
		return nil, err
	}

	if err := r.store.CreateInstance(ctx, inst); err != nil {
		r.terminate(ctx, inst)
		return nil, err
	}

	now := r.now().UTC()
	updated, err := r.mutateJob(ctx, job.ID, "placement on "+plan.Provider, func(j *models.Job) {
		j.Status = models.JobStatusAssigned
		j.AssignedAt = &now
		j.InstanceID = &inst.ID
	})
	if err != nil {
		r.terminate(ctx, inst)
		return nil, err
	}
	*job = *updated

	logging.Info("job assigned", map[string]interface{}{
		"job_id":      job.ID.String(),
		"instance_id": inst.ID.String(),
		"provider":    plan.Provider,
		"gpu_type":    plan.GPUType,
		"gpu_count":   plan.GPUCount,
	})
	return inst, nil
}

// awaitReady blocks until the instance is running with a reachable
// endpoint. false with nil error means user cancellation.
func (r *Runner) awaitReady(ctx context.Context, job *models.Job, inst *models.Instance, updates <-chan monitor.Update, cancelCh <-chan struct{}) (bool, error) {
	timer := time.NewTimer(r.cfg.ReadinessTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-cancelCh:
			return false, nil
		case <-timer.C:
			return false, models.NewError(models.ErrProvider, "instance startup timeout after %s", r.cfg.ReadinessTimeout)
		case update := <-updates:
			if update.Ready() {
				inst.PublicIP = update.PublicIP
				inst.Status = update.Status
				return true, nil
			}
			if update.Status.Terminal() {
				return false, models.NewError(models.ErrProvider, "instance entered %s before becoming ready", update.Status)
			}
		}
	}
}

// run executes the workload with the wall-clock guard and writes the
// terminal state.
func (r *Runner) run(ctx context.Context, job *models.Job, inst *models.Instance, updates <-chan monitor.Update, cancelCh <-chan struct{}) {
	now := r.now().UTC()
	estimatedDone := now.Add(time.Duration(job.MaxRuntimeMinutes) * time.Minute)
	updated, err := r.mutateJob(ctx, job.ID, "instance ready", func(j *models.Job) {
		j.Status = models.JobStatusRunning
		j.StartedAt = &now
		j.EstimatedDoneAt = &estimatedDone
	})
	if err != nil {
		r.terminate(ctx, inst)
		r.finalize(ctx, job, inst, models.JobStatusFailed, err, nil)
		return
	}
	*job = *updated

	wallClock := time.Duration(float64(job.MaxRuntimeMinutes) * wallClockFactor * float64(time.Minute))
	workCtx, cancelWork := context.WithTimeout(ctx, wallClock)
	defer cancelWork()

	type result struct {
		output models.JSONMap
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := r.workload.Run(workCtx, job, inst)
		done <- result{output: output, err: err}
	}()

	progress := time.NewTicker(r.cfg.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case <-progress.C:
			r.reportProgress(ctx, job)

		case <-cancelCh:
			cancelWork()
			r.terminate(ctx, inst)
			r.finalize(ctx, job, inst, models.JobStatusCancelled, models.NewError(models.ErrCancelled, "cancelled by user"), nil)
			return

		case update := <-updates:
			if update.Status == models.InstanceStatusFailed {
				cancelWork()
				r.terminate(ctx, inst)
				r.finalize(ctx, job, inst, models.JobStatusFailed,
					models.NewError(models.ErrProvider, "instance failed while job was running"), nil)
				return
			}

		case res := <-done:
			switch {
			case res.err == nil:
				r.terminate(ctx, inst)
				r.finalize(ctx, job, inst, models.JobStatusCompleted, nil, res.output)
			case errors.Is(res.err, context.DeadlineExceeded) || errors.Is(workCtx.Err(), context.DeadlineExceeded):
				r.terminate(ctx, inst)
				r.finalize(ctx, job, inst, models.JobStatusTimeout,
					models.NewError(models.ErrTimeout, "wall clock exceeded %d minutes", job.MaxRuntimeMinutes), nil)
			case errors.Is(res.err, context.Canceled):
				r.terminate(ctx, inst)
				r.finalize(ctx, job, inst, models.JobStatusCancelled, models.NewError(models.ErrCancelled, "cancelled by user"), nil)
			default:
				r.terminate(ctx, inst)
				r.finalize(ctx, job, inst, models.JobStatusFailed, res.err, nil)
			}
			return
		}
	}
}

// reportProgress writes coarse, time-based progress: elapsed runtime
// against the job's budget, capped at 99 until finalisation writes 100.
func (r *Runner) reportProgress(ctx context.Context, job *models.Job) {
	if job.StartedAt == nil || job.MaxRuntimeMinutes <= 0 {
		return
	}
	pct := r.now().UTC().Sub(*job.StartedAt).Minutes() / float64(job.MaxRuntimeMinutes) * 100
	if pct > 99 {
		pct = 99
	}
	if pct <= job.ProgressPercent {
		return
	}

	updated, err := r.mutateJob(ctx, job.ID, "", func(j *models.Job) {
		if pct > j.ProgressPercent {
			j.ProgressPercent = pct
		}
	})
	if err != nil {
		if !errors.Is(err, errJobTerminal) {
			logging.Debug("progress update skipped", map[string]interface{}{
				"job_id": job.ID.String(),
				"error":  err.Error(),
			})
		}
		return
	}
	*job = *updated
}

// failFromQueued terminalises or requeues a job that never got an
// instance.
func (r *Runner) failFromQueued(ctx context.Context, job *models.Job, cause error) {
	r.finalize(ctx, job, nil, models.JobStatusFailed, cause, nil)
}

// finalize writes the terminal state, retrying the failure when its class
// is transient and retries remain. Cost is finalised atomically with the
// status write.
func (r *Runner) finalize(ctx context.Context, job *models.Job, inst *models.Instance, status models.JobStatus, cause error, output models.JSONMap) {
	now := r.now().UTC()

	// transient failures with retries left requeue instead of
	// terminalising; CANCELLED and TIMEOUT never retry
	if status == models.JobStatusFailed && cause != nil &&
		models.IsTransient(cause) && job.RetryCount < job.MaxRetries {
		r.requeue(ctx, job, cause)
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	var latest *models.Instance
	if inst != nil {
		if fetched, err := r.store.GetInstance(ctx, inst.ID); err == nil {
			latest = fetched
		} else {
			latest = inst
		}
		if latest.StoppedAt == nil {
			latest.StoppedAt = &now
		}
		if !latest.Status.Terminal() {
			latest.Status = models.InstanceStatusTerminated
		}
		latest.TotalCostUSD = latest.RunningCost(*latest.StoppedAt)
	}

	for attempt := 0; attempt <= versionRetries; attempt++ {
		fresh, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			logging.Error("finalize could not load job", map[string]interface{}{
				"job_id": job.ID.String(),
				"error":  err.Error(),
			})
			return
		}
		if fresh.Status.Terminal() {
			return
		}

		fresh.Status = status
		fresh.CompletedAt = &now
		if cause != nil {
			fresh.ErrorMessage = cause.Error()
		}
		if output != nil {
			fresh.Output = output
		}
		if status == models.JobStatusCompleted {
			fresh.ProgressPercent = 100
		}
		if latest != nil && fresh.StartedAt != nil {
			elapsed := latest.StoppedAt.Sub(*fresh.StartedAt)
			if elapsed < 0 {
				elapsed = 0
			}
			fresh.ActualCostUSD = latest.HourlyCostUSD * elapsed.Hours()
		}

		err = r.store.FinalizeJob(ctx, fresh, latest, reason)
		if err == nil {
			logging.Info("job terminal", map[string]interface{}{
				"job_id":          job.ID.String(),
				"status":          string(status),
				"actual_cost_usd": fresh.ActualCostUSD,
				"error":           reason,
			})
			*job = *fresh
			return
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			logging.Error("finalize failed", map[string]interface{}{
				"job_id": job.ID.String(),
				"error":  err.Error(),
			})
			return
		}
	}
	logging.Error("finalize gave up after version conflicts", map[string]interface{}{
		"job_id": job.ID.String(),
	})
}

// requeue puts a transiently failed job back in the queue with backoff.
func (r *Runner) requeue(ctx context.Context, job *models.Job, cause error) {
	now := r.now().UTC()
	shift := job.RetryCount
	if shift > 10 {
		shift = 10
	}
	backoff := retryBackoffBase << shift
	if backoff > retryBackoffCap {
		backoff = retryBackoffCap
	}
	nextRetry := now.Add(backoff)

	updated, err := r.mutateJob(ctx, job.ID, "requeued: "+cause.Error(), func(j *models.Job) {
		j.Status = models.JobStatusQueued
		j.RetryCount++
		j.NextRetryAt = &nextRetry
		j.InstanceID = nil
		j.AssignedAt = nil
		j.StartedAt = nil
		j.EstimatedDoneAt = nil
		j.ErrorMessage = cause.Error()
	})
	if errors.Is(err, errJobTerminal) {
		// finalisation won the race; the terminal state stands
		return
	}
	if err != nil {
		logging.Error("requeue failed", map[string]interface{}{
			"job_id": job.ID.String(),
			"error":  err.Error(),
		})
		return
	}
	logging.Info("job requeued", map[string]interface{}{
		"job_id":        job.ID.String(),
		"retry_count":   updated.RetryCount,
		"next_retry_at": nextRetry.Format(time.RFC3339),
		"error":         cause.Error(),
	})
}

// errJobTerminal aborts a mutation whose job finalised underneath it.
var errJobTerminal = errors.New("job already terminal")

// mutateJob is the optimistic-concurrency loop: fetch, mutate, update,
// retry on version conflict up to 3 times. Terminal jobs are never
// mutated; a racer that finds one gets errJobTerminal.
func (r *Runner) mutateJob(ctx context.Context, jobID uuid.UUID, reason string, mutate func(*models.Job)) (*models.Job, error) {
	var lastErr error
	for attempt := 0; attempt <= versionRetries; attempt++ {
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return nil, errJobTerminal
		}
		mutate(job)
		err = r.store.UpdateJob(ctx, job, reason)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// terminate is best-effort instance teardown.
func (r *Runner) terminate(ctx context.Context, inst *models.Instance) {
	if inst == nil {
		return
	}
	if _, err := r.registry.TerminateInstance(ctx, inst); err != nil {
		logging.Warn("instance terminate failed", map[string]interface{}{
			"instance_id": inst.ID.String(),
			"provider":    inst.Provider,
			"error":       err.Error(),
		})
	}
}

// registerCancel claims the job for this runner. The second return is
// false when another Execute already holds the claim.
func (r *Runner) registerCancel(jobID uuid.UUID) (chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[jobID]; ok {
		return nil, false
	}
	ch := make(chan struct{})
	r.cancels[jobID] = ch
	return ch, true
}

func (r *Runner) unregisterCancel(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// Cancel delivers a user cancellation. Idempotent: cancelling a terminal
// or already-cancelled job is a no-op. Jobs without a live runner (still
// QUEUED, or orphaned by a restart) are terminalised directly.
func (r *Runner) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	r.mu.Lock()
	ch, live := r.cancels[jobID]
	if live {
		select {
		case <-ch:
			// already signalled
		default:
			close(ch)
		}
	}
	r.mu.Unlock()
	if live {
		return nil
	}

	var inst *models.Instance
	if job.InstanceID != nil {
		if fetched, err := r.store.GetInstance(ctx, *job.InstanceID); err == nil {
			inst = fetched
			r.terminate(ctx, inst)
		}
	}
	r.finalize(ctx, job, inst, models.JobStatusCancelled, models.NewError(models.ErrCancelled, "cancelled by user"), nil)
	return nil
}
