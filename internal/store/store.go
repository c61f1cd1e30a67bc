package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

// Store is the persistence boundary for the orchestrator. Implementations:
// SQLStore (postgres via pgx stdlib, sqlite for dev) and MemoryStore (tests,
// -dev mode). Status writes are optimistically checked against the job's
// version; callers retry on models.ErrVersionConflict.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// UpdateJob persists all mutable fields plus a transition event in one
	// transaction. It fails with ErrVersionConflict when the row moved.
	UpdateJob(ctx context.Context, job *models.Job, reason string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// ListRunnable returns queued jobs whose retry backoff has elapsed,
	// ordered by (priority ASC, created_at ASC).
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	CountJobsInStatus(ctx context.Context, statuses ...models.JobStatus) (int, error)
	CountActiveJobsForUser(ctx context.Context, userID uuid.UUID) (int, error)
	// UsageSince aggregates the user's terminal GPU-hours and cost for jobs
	// completed at or after since, plus live active-job counts.
	UsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (*models.QuotaUsage, error)

	// Instances
	CreateInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error)
	UpdateInstance(ctx context.Context, inst *models.Instance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error)
	// CountActiveInstances counts non-terminal instances on a provider,
	// scoped to one user's jobs when userID is non-nil.
	CountActiveInstances(ctx context.Context, provider string, userID uuid.UUID) (int, error)

	// FinalizeJob writes the job's terminal state, the instance's stop
	// fields and the accrued cost atomically.
	FinalizeJob(ctx context.Context, job *models.Job, inst *models.Instance, reason string) error

	// Templates
	CreateTemplate(ctx context.Context, tpl *models.JobTemplate) error
	GetTemplateByName(ctx context.Context, name string) (*models.JobTemplate, error)
	ListTemplates(ctx context.Context) ([]*models.JobTemplate, error)

	// Quotas
	GetQuota(ctx context.Context, userID uuid.UUID) (*models.ResourceQuota, error)
	UpsertQuota(ctx context.Context, quota *models.ResourceQuota) error

	// Provider configs
	GetProviderConfig(ctx context.Context, name string) (*models.ProviderConfig, error)
	ListProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error)
	UpsertProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error
	UpdateProviderHealth(ctx context.Context, name string, status models.HealthStatus, at time.Time) error

	// History
	ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]*models.JobEvent, error)
	CompactJobEvents(ctx context.Context, before time.Time) (int64, error)
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	UserID   uuid.UUID
	Status   models.JobStatus
	Statuses []models.JobStatus
	Limit    int
}

func (f JobFilter) matchesStatus(s models.JobStatus) bool {
	if f.Status != "" && f.Status != s {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, want := range f.Statuses {
			if want == s {
				return true
			}
		}
		return false
	}
	return true
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	Provider    string
	Status      models.InstanceStatus
	NonTerminal bool
	Limit       int
}
