package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// SubmitRequest is the user-facing submission payload. Template fields fill
// anything left zero; explicit values always win.
type SubmitRequest struct {
	JobType           models.JobType `json:"job_type"`
	ModelName         string         `json:"model_name"`
	Input             models.JSONMap `json:"input,omitempty"`
	Priority          int            `json:"priority,omitempty"`
	MaxRuntimeMinutes int            `json:"max_runtime_minutes,omitempty"`
	TemplateName      string         `json:"template_name,omitempty"`
	ConfigOverrides   models.JSONMap `json:"config_overrides,omitempty"`
}

const (
	defaultPriority       = 5
	defaultRuntimeMinutes = 60
	defaultMaxRetries     = 3
	defaultGPUCount       = 1
)

// Admission gates job submission: validation, backpressure, template
// expansion, quota enforcement, cost estimation and the QUEUED persist.
type Admission struct {
	store    store.Store
	registry *providers.Registry
	cfg      *config.Config
	wake     func()
	now      func() time.Time

	// backpressure hysteresis: once tripped at the high water mark,
	// submissions stay rejected until the queue drains below low water
	mu       sync.Mutex
	draining bool
}

func New(st store.Store, registry *providers.Registry, cfg *config.Config, wake func()) *Admission {
	if wake == nil {
		wake = func() {}
	}
	return &Admission{
		store:    st,
		registry: registry,
		cfg:      cfg,
		wake:     wake,
		now:      time.Now,
	}
}

// SetNow injects a clock for tests.
func (a *Admission) SetNow(now func() time.Time) { a.now = now }

// Submit admits a job for userID or rejects it with a typed error whose
// class maps onto the HTTP surface (VALIDATION→400, QUOTA_EXCEEDED→403,
// TEMPLATE_NOT_FOUND→404, QUEUE_FULL→429).
func (a *Admission) Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.Job, error) {
	if err := a.checkBackpressure(ctx); err != nil {
		return nil, err
	}

	job, err := a.buildJob(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	quota, err := a.effectiveQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := a.checkQuota(ctx, job, quota); err != nil {
		return nil, err
	}

	job.Priority = models.ClampPriority(job.Priority - quota.PriorityBoost)

	estimate, err := a.estimateCost(ctx, job, quota)
	if err != nil {
		return nil, err
	}
	job.EstimatedCostUSD = estimate

	if err := a.checkDailyCost(ctx, job, quota); err != nil {
		return nil, err
	}

	if err := a.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	logging.Info("job admitted", map[string]interface{}{
		"job_id":             job.ID.String(),
		"user_id":            userID.String(),
		"job_type":           string(job.JobType),
		"priority":           job.Priority,
		"estimated_cost_usd": estimate,
	})
	a.wake()
	return job, nil
}

func (a *Admission) checkBackpressure(ctx context.Context) error {
	queued, err := a.store.CountJobsInStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	high := a.cfg.Scheduler.QueueHighWater
	low := a.cfg.Scheduler.QueueLowWater

	if a.draining {
		if queued < low {
			a.draining = false
		} else {
			return models.NewError(models.ErrQueueFull, "queue is draining (%d queued, readmits below %d)", queued, low)
		}
	}
	if queued >= high {
		a.draining = true
		return models.NewError(models.ErrQueueFull, "queue is full (%d queued)", queued)
	}
	return nil
}

func (a *Admission) buildJob(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.Job, error) {
	if !req.JobType.Valid() && req.TemplateName == "" {
		return nil, models.NewError(models.ErrValidation, "invalid job_type %q", req.JobType)
	}
	if req.Priority != 0 && (req.Priority < models.PriorityHighest || req.Priority > models.PriorityLowest) {
		return nil, models.NewError(models.ErrValidation, "priority must be between %d and %d", models.PriorityHighest, models.PriorityLowest)
	}
	if req.MaxRuntimeMinutes < 0 {
		return nil, models.NewError(models.ErrValidation, "max_runtime_minutes must be positive")
	}

	now := a.now().UTC()
	job := &models.Job{
		ID:                uuid.New(),
		UserID:            userID,
		JobType:           req.JobType,
		ModelName:         req.ModelName,
		TemplateName:      req.TemplateName,
		Priority:          req.Priority,
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
		Input:             req.Input,
		Status:            models.JobStatusQueued,
		MaxRetries:        defaultMaxRetries,
		CreatedAt:         now,
	}

	applyOverrides(job, req.ConfigOverrides)

	if req.TemplateName != "" {
		tpl, err := a.store.GetTemplateByName(ctx, req.TemplateName)
		if err != nil {
			if err == models.ErrNotFound {
				return nil, models.NewError(models.ErrTemplateNotFound, "template %q not found", req.TemplateName)
			}
			return nil, err
		}
		applyTemplate(job, tpl)
	}

	// defaults for whatever is still unset
	if job.Priority == 0 {
		job.Priority = defaultPriority
	}
	if job.MaxRuntimeMinutes == 0 {
		job.MaxRuntimeMinutes = defaultRuntimeMinutes
	}
	if job.GPUTypeRequired == "" {
		job.GPUTypeRequired = a.cfg.Providers.DefaultGPUType
	}
	if job.GPUCountRequired == 0 {
		job.GPUCountRequired = defaultGPUCount
	}
	if job.JobType == "" {
		return nil, models.NewError(models.ErrValidation, "job_type is required")
	}
	if job.ModelName == "" {
		return nil, models.NewError(models.ErrValidation, "model_name is required")
	}

	maxRuntime := a.cfg.Scheduler.JobTimeoutHours * 60
	if maxRuntime > 0 && job.MaxRuntimeMinutes > maxRuntime {
		return nil, models.NewError(models.ErrValidation, "max_runtime_minutes exceeds cap of %d", maxRuntime)
	}
	return job, nil
}

// applyTemplate fills fields the submission left empty.
func applyTemplate(job *models.Job, tpl *models.JobTemplate) {
	if job.JobType == "" {
		job.JobType = tpl.JobType
	}
	if job.ModelName == "" {
		job.ModelName = tpl.ModelName
	}
	if job.GPUTypeRequired == "" {
		job.GPUTypeRequired = tpl.GPUType
	}
	if job.GPUCountRequired == 0 {
		job.GPUCountRequired = tpl.GPUCount
	}
	if job.MemoryGBRequired == 0 {
		job.MemoryGBRequired = tpl.MemoryGB
	}
	if job.MaxRuntimeMinutes == 0 {
		job.MaxRuntimeMinutes = tpl.MaxRuntimeMinutes
	}
	if job.Priority == 0 {
		job.Priority = tpl.Priority
	}
	if tpl.MaxRetries > 0 {
		job.MaxRetries = tpl.MaxRetries
	}
}

// applyOverrides maps the closed set of recognised override keys onto the
// job. Unknown keys are ignored.
func applyOverrides(job *models.Job, overrides models.JSONMap) {
	if overrides == nil {
		return
	}
	if v, ok := overrides["gpu_type"].(string); ok && v != "" {
		job.GPUTypeRequired = v
	}
	if v, ok := asInt(overrides["gpu_count"]); ok && v > 0 {
		job.GPUCountRequired = v
	}
	if v, ok := asInt(overrides["memory_gb"]); ok && v > 0 {
		job.MemoryGBRequired = v
	}
	if v, ok := asInt(overrides["max_retries"]); ok && v >= 0 {
		job.MaxRetries = v
	}
	if v, ok := asInt(overrides["max_runtime_minutes"]); ok && v > 0 {
		job.MaxRuntimeMinutes = v
	}
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (a *Admission) effectiveQuota(ctx context.Context, userID uuid.UUID) (*models.ResourceQuota, error) {
	quota, err := a.store.GetQuota(ctx, userID)
	if err == models.ErrNotFound {
		return models.DefaultQuota(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return quota, nil
}

func (a *Admission) checkQuota(ctx context.Context, job *models.Job, quota *models.ResourceQuota) error {
	active, err := a.store.CountActiveJobsForUser(ctx, job.UserID)
	if err != nil {
		return err
	}
	if active >= quota.MaxConcurrentJobs {
		return models.NewError(models.ErrQuotaExceeded, "user has %d non-terminal jobs (limit %d)", active, quota.MaxConcurrentJobs)
	}

	usage, err := a.store.UsageSince(ctx, job.UserID, startOfDay(a.now()))
	if err != nil {
		return err
	}
	projected := float64(job.MaxRuntimeMinutes) / 60.0 * float64(job.GPUCountRequired)
	if usage.GPUHoursToday+projected > quota.MaxGPUHoursPerDay {
		return models.NewError(models.ErrQuotaExceeded, "daily GPU-hours limit: %.1f used, %.1f projected, limit %.1f",
			usage.GPUHoursToday, projected, quota.MaxGPUHoursPerDay)
	}

	if !quota.AllowsGPUType(job.GPUTypeRequired) {
		return models.NewError(models.ErrQuotaExceeded, "GPU type %s is not allowed for this user", job.GPUTypeRequired)
	}
	return nil
}

// checkDailyCost runs after estimation because the projection needs the
// estimate.
func (a *Admission) checkDailyCost(ctx context.Context, job *models.Job, quota *models.ResourceQuota) error {
	usage, err := a.store.UsageSince(ctx, job.UserID, startOfDay(a.now()))
	if err != nil {
		return err
	}
	if usage.CostTodayUSD+job.EstimatedCostUSD > quota.MaxCostPerDayUSD {
		return models.NewError(models.ErrQuotaExceeded, "daily cost limit: $%.2f used, $%.2f projected, limit $%.2f",
			usage.CostTodayUSD, job.EstimatedCostUSD, quota.MaxCostPerDayUSD)
	}
	return nil
}

// estimateCost prices the job against the cheapest healthy adapter the
// user's quota allows.
func (a *Admission) estimateCost(ctx context.Context, job *models.Job, quota *models.ResourceQuota) (float64, error) {
	best := -1.0
	for _, adapter := range a.registry.Enabled() {
		name := adapter.Name()
		if !quota.AllowsProvider(name) || !a.registry.Healthy(name) {
			continue
		}
		ok, _, err := a.registry.ValidateRequirements(ctx, name, job, job.GPUTypeRequired, job.GPUCountRequired)
		if err != nil || !ok {
			continue
		}
		cost, err := a.registry.EstimateCost(ctx, name, job.GPUTypeRequired, job.GPUCountRequired, job.MaxRuntimeMinutes)
		if err != nil {
			continue
		}
		if best < 0 || cost < best {
			best = cost
		}
	}
	if best < 0 {
		if len(quota.AllowedProviders) > 0 {
			return 0, models.NewError(models.ErrQuotaExceeded, "no allowed provider can serve %d× %s",
				job.GPUCountRequired, job.GPUTypeRequired)
		}
		return 0, models.NewError(models.ErrValidation, "no provider can serve %d× %s",
			job.GPUCountRequired, job.GPUTypeRequired)
	}
	return best, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
