package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// staleWallClockFactor mirrors the runner's wall-clock guard; a running
// job older than max_runtime × factor with no live runner is timed out.
const staleWallClockFactor = 1.5

// Janitor is the periodic housekeeping task: it terminates orphaned
// instances, times out jobs whose runner died and compacts old history.
type Janitor struct {
	store    store.Store
	registry *providers.Registry
	cfg      config.SchedulerConfig
	now      func() time.Time
}

func NewJanitor(st store.Store, registry *providers.Registry, cfg config.SchedulerConfig) *Janitor {
	return &Janitor{
		store:    st,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetNow injects a clock for tests.
func (j *Janitor) SetNow(now func() time.Time) { j.now = now }

// Run sweeps every CleanupInterval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one housekeeping pass. Exported so tests can drive it.
func (j *Janitor) Sweep(ctx context.Context) {
	if err := j.reapOrphanInstances(ctx); err != nil {
		logging.Error("orphan instance sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := j.timeoutStaleJobs(ctx); err != nil {
		logging.Error("stale job sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := j.compactHistory(ctx); err != nil {
		logging.Error("history compaction failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// reapOrphanInstances terminates non-terminal instances whose job is
// already terminal or gone. Billing stops even when a runner crashed
// between finalising the job and tearing down the machine.
func (j *Janitor) reapOrphanInstances(ctx context.Context) error {
	instances, err := j.store.ListInstances(ctx, store.InstanceFilter{NonTerminal: true})
	if err != nil {
		return err
	}

	for _, inst := range instances {
		orphaned := false
		if inst.JobID == uuid.Nil {
			orphaned = true
		} else {
			job, err := j.store.GetJob(ctx, inst.JobID)
			switch {
			case errors.Is(err, models.ErrNotFound):
				orphaned = true
			case err != nil:
				return err
			default:
				orphaned = job.Status.Terminal()
			}
		}
		if !orphaned {
			continue
		}

		logging.Warn("terminating orphaned instance", map[string]interface{}{
			"instance_id": inst.ID.String(),
			"provider":    inst.Provider,
			"job_id":      inst.JobID.String(),
		})
		if _, err := j.registry.TerminateInstance(ctx, inst); err != nil {
			logging.Error("orphan termination failed", map[string]interface{}{
				"instance_id": inst.ID.String(),
				"provider":    inst.Provider,
				"error":       err.Error(),
			})
			continue
		}

		now := j.now().UTC()
		inst.Status = models.InstanceStatusTerminated
		if inst.StoppedAt == nil {
			inst.StoppedAt = &now
			inst.TotalCostUSD = inst.RunningCost(now)
		}
		if err := j.store.UpdateInstance(ctx, inst); err != nil {
			logging.Error("orphan instance update failed", map[string]interface{}{
				"instance_id": inst.ID.String(),
				"error":       err.Error(),
			})
		}
	}
	return nil
}

// timeoutStaleJobs terminalises running jobs far past their wall-clock
// budget. The runner enforces its own deadline; this catches jobs whose
// runner process died mid-flight.
func (j *Janitor) timeoutStaleJobs(ctx context.Context) error {
	jobs, err := j.store.ListJobs(ctx, store.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusRunning},
	})
	if err != nil {
		return err
	}

	now := j.now().UTC()
	for _, job := range jobs {
		if job.StartedAt == nil || job.MaxRuntimeMinutes <= 0 {
			continue
		}
		budget := time.Duration(float64(job.MaxRuntimeMinutes)*staleWallClockFactor) * time.Minute
		if now.Sub(*job.StartedAt) <= budget {
			continue
		}

		job.Status = models.JobStatusTimeout
		job.ErrorMessage = "exceeded maximum runtime"
		job.CompletedAt = &now
		if err := j.store.UpdateJob(ctx, job, "stale runner timeout"); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				// a live runner beat us to it
				continue
			}
			logging.Error("stale job timeout failed", map[string]interface{}{
				"job_id": job.ID.String(),
				"error":  err.Error(),
			})
			continue
		}
		logging.Warn("timed out stale running job", map[string]interface{}{
			"job_id":     job.ID.String(),
			"started_at": job.StartedAt.Format(time.RFC3339),
		})
	}
	return nil
}

// compactHistory drops job events older than the retention window.
func (j *Janitor) compactHistory(ctx context.Context) error {
	if j.cfg.HistoryRetention <= 0 {
		return nil
	}
	cutoff := j.now().UTC().Add(-j.cfg.HistoryRetention)
	removed, err := j.store.CompactJobEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		logging.Info("compacted job history", map[string]interface{}{
			"removed": removed,
			"before":  cutoff.Format(time.RFC3339),
		})
	}
	return nil
}
