package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

// MemoryStore mirrors SQLStore semantics for tests and -dev mode, including
// the optimistic version check and the (provider, provider_instance_id)
// uniqueness constraint.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*models.Job
	instances map[uuid.UUID]*models.Instance
	templates map[string]*models.JobTemplate
	quotas    map[uuid.UUID]*models.ResourceQuota
	providers map[string]*models.ProviderConfig
	events    []*models.JobEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		instances: make(map[uuid.UUID]*models.Instance),
		templates: make(map[string]*models.JobTemplate),
		quotas:    make(map[uuid.UUID]*models.ResourceQuota),
		providers: make(map[string]*models.ProviderConfig),
	}
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.InstanceID != nil {
		id := *j.InstanceID
		cp.InstanceID = &id
	}
	return &cp
}

func copyInstance(i *models.Instance) *models.Instance {
	cp := *i
	return &cp
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return models.NewError(models.ErrDatabase, "job already exists")
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateJobLocked(job, reason)
}

func (s *MemoryStore) updateJobLocked(job *models.Job, reason string) error {
	current, ok := s.jobs[job.ID]
	if !ok {
		return models.ErrNotFound
	}
	if current.Version != job.Version {
		return models.ErrVersionConflict
	}
	if current.Status != job.Status {
		s.events = append(s.events, &models.JobEvent{
			ID:        uuid.New(),
			JobID:     job.ID,
			From:      current.Status,
			To:        job.Status,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		})
	}
	job.Version++
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if filter.UserID != uuid.Nil && job.UserID != filter.UserID {
			continue
		}
		if !filter.matchesStatus(job.Status) {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusQueued {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) CountJobsInStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, job := range s.jobs {
		for _, st := range statuses {
			if job.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *MemoryStore) CountActiveJobsForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if job.Status == models.JobStatusQueued || job.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (*models.QuotaUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage := &models.QuotaUsage{}
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if job.Status == models.JobStatusQueued || job.Status.Active() {
			usage.ActiveJobs++
			continue
		}
		if !job.Status.Terminal() || job.CompletedAt == nil || job.CompletedAt.Before(since) {
			continue
		}
		if job.StartedAt != nil {
			usage.GPUHoursToday += job.CompletedAt.Sub(*job.StartedAt).Hours() * float64(job.GPUCountRequired)
		}
		usage.CostTodayUSD += job.ActualCostUSD
	}
	for _, inst := range s.instances {
		if inst.Status.Terminal() {
			continue
		}
		job, ok := s.jobs[inst.JobID]
		if !ok || job.UserID != userID {
			continue
		}
		if usage.InstancesByProv == nil {
			usage.InstancesByProv = make(map[string]int)
		}
		usage.InstancesByProv[inst.Provider]++
	}
	return usage, nil
}

func (s *MemoryStore) CountActiveInstances(ctx context.Context, provider string, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, inst := range s.instances {
		if inst.Provider != provider || inst.Status.Terminal() {
			continue
		}
		if userID != uuid.Nil {
			job, ok := s.jobs[inst.JobID]
			if !ok || job.UserID != userID {
				continue
			}
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.Provider == inst.Provider && existing.ProviderInstanceID == inst.ProviderInstanceID {
			return models.NewError(models.ErrDatabase, "instance already registered for provider")
		}
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return models.ErrNotFound
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var instances []*models.Instance
	for _, inst := range s.instances {
		if filter.Provider != "" && inst.Provider != filter.Provider {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.NonTerminal && inst.Status.Terminal() {
			continue
		}
		instances = append(instances, copyInstance(inst))
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.After(instances[j].CreatedAt)
	})
	if filter.Limit > 0 && len(instances) > filter.Limit {
		instances = instances[:filter.Limit]
	}
	return instances, nil
}

func (s *MemoryStore) FinalizeJob(ctx context.Context, job *models.Job, inst *models.Instance, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateJobLocked(job, reason); err != nil {
		return err
	}
	if inst != nil {
		if _, ok := s.instances[inst.ID]; !ok {
			return models.ErrNotFound
		}
		s.instances[inst.ID] = copyInstance(inst)
	}
	return nil
}

func (s *MemoryStore) CreateTemplate(ctx context.Context, tpl *models.JobTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[tpl.Name]; exists {
		return models.NewError(models.ErrDatabase, "template name already exists")
	}
	cp := *tpl
	s.templates[tpl.Name] = &cp
	return nil
}

func (s *MemoryStore) GetTemplateByName(ctx context.Context, name string) (*models.JobTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *tpl
	return &cp, nil
}

func (s *MemoryStore) ListTemplates(ctx context.Context) ([]*models.JobTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	templates := make([]*models.JobTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		cp := *tpl
		templates = append(templates, &cp)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

func (s *MemoryStore) GetQuota(ctx context.Context, userID uuid.UUID) (*models.ResourceQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quota, ok := s.quotas[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *quota
	return &cp, nil
}

func (s *MemoryStore) UpsertQuota(ctx context.Context, quota *models.ResourceQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if quota.ID == uuid.Nil {
		quota.ID = uuid.New()
	}
	cp := *quota
	s.quotas[quota.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetProviderConfig(ctx context.Context, name string) (*models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.providers[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) ListProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	configs := make([]*models.ProviderConfig, 0, len(s.providers))
	for _, cfg := range s.providers {
		cp := *cfg
		configs = append(configs, &cp)
	}
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority < configs[j].Priority
		}
		return configs[i].Name < configs[j].Name
	})
	return configs, nil
}

func (s *MemoryStore) UpsertProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	cp := *cfg
	s.providers[cfg.Name] = &cp
	return nil
}

func (s *MemoryStore) UpdateProviderHealth(ctx context.Context, name string, status models.HealthStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.providers[name]
	if !ok {
		return models.ErrNotFound
	}
	cfg.HealthStatus = status
	cfg.LastHealthCheck = &at
	cfg.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]*models.JobEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []*models.JobEvent
	for _, ev := range s.events {
		if ev.JobID == jobID {
			cp := *ev
			events = append(events, &cp)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (s *MemoryStore) CompactJobEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var removed int64
	for _, ev := range s.events {
		if ev.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}
