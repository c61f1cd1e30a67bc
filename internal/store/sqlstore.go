package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

// SQLStore implements Store over database/sql. The SQL sticks to the subset
// postgres and sqlite share; timestamps and uuids are generated in Go.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const jobColumns = `id, user_id, job_type, model_name, COALESCE(template_name,''), priority,
	gpu_type_required, gpu_count_required, memory_gb_required, max_runtime_minutes,
	input, output, COALESCE(error_message,''), status, progress_percent,
	created_at, assigned_at, started_at, completed_at, estimated_completion_at,
	estimated_cost_usd, actual_cost_usd, retry_count, max_retries, next_retry_at,
	instance_id, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j          models.Job
		id, userID string
		instanceID sql.NullString
	)
	err := row.Scan(
		&id, &userID, &j.JobType, &j.ModelName, &j.TemplateName, &j.Priority,
		&j.GPUTypeRequired, &j.GPUCountRequired, &j.MemoryGBRequired, &j.MaxRuntimeMinutes,
		&j.Input, &j.Output, &j.ErrorMessage, &j.Status, &j.ProgressPercent,
		&j.CreatedAt, &j.AssignedAt, &j.StartedAt, &j.CompletedAt, &j.EstimatedDoneAt,
		&j.EstimatedCostUSD, &j.ActualCostUSD, &j.RetryCount, &j.MaxRetries, &j.NextRetryAt,
		&instanceID, &j.Version,
	)
	if err != nil {
		return nil, err
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid job id: %w", err)
	}
	if j.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	if instanceID.Valid && instanceID.String != "" {
		parsed, err := uuid.Parse(instanceID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid instance id: %w", err)
		}
		j.InstanceID = &parsed
	}
	return &j, nil
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (
		id, user_id, job_type, model_name, template_name, priority,
		gpu_type_required, gpu_count_required, memory_gb_required, max_runtime_minutes,
		input, output, error_message, status, progress_percent,
		created_at, assigned_at, started_at, completed_at, estimated_completion_at,
		estimated_cost_usd, actual_cost_usd, retry_count, max_retries, next_retry_at,
		instance_id, version
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		job.ID.String(), job.UserID.String(), job.JobType, job.ModelName, nullStr(job.TemplateName), job.Priority,
		job.GPUTypeRequired, job.GPUCountRequired, job.MemoryGBRequired, job.MaxRuntimeMinutes,
		job.Input, job.Output, nullStr(job.ErrorMessage), job.Status, job.ProgressPercent,
		job.CreatedAt, job.AssignedAt, job.StartedAt, job.CompletedAt, job.EstimatedDoneAt,
		job.EstimatedCostUSD, job.ActualCostUSD, job.RetryCount, job.MaxRetries, job.NextRetryAt,
		nullUUID(job.InstanceID), job.Version,
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "create job")
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "get job")
	}
	return job, nil
}

// updateJobTx writes the mutable job fields with the version check and
// records the transition event.
func updateJobTx(ctx context.Context, tx *sql.Tx, job *models.Job, from models.JobStatus, reason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET
		priority=$1, input=$2, output=$3, error_message=$4, status=$5, progress_percent=$6,
		assigned_at=$7, started_at=$8, completed_at=$9, estimated_completion_at=$10,
		estimated_cost_usd=$11, actual_cost_usd=$12, retry_count=$13, next_retry_at=$14,
		instance_id=$15, version=version+1
		WHERE id=$16 AND version=$17`,
		job.Priority, job.Input, job.Output, nullStr(job.ErrorMessage), job.Status, job.ProgressPercent,
		job.AssignedAt, job.StartedAt, job.CompletedAt, job.EstimatedDoneAt,
		job.EstimatedCostUSD, job.ActualCostUSD, job.RetryCount, job.NextRetryAt,
		nullUUID(job.InstanceID), job.ID.String(), job.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrVersionConflict
	}

	if from != job.Status {
		_, err = tx.ExecContext(ctx, `INSERT INTO job_events (id, job_id, from_status, to_status, reason, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			uuid.New().String(), job.ID.String(), from, job.Status, nullStr(reason), time.Now().UTC(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *models.Job, reason string) error {
	prev, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "begin update job")
	}
	defer tx.Rollback()

	if err := updateJobTx(ctx, tx, job, prev.Status, reason); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		return models.WrapError(models.ErrDatabase, err, "update job")
	}
	if err := tx.Commit(); err != nil {
		return models.WrapError(models.ErrDatabase, err, "commit update job")
	}
	job.Version++
	return nil
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	n := 1
	if filter.UserID != uuid.Nil {
		query += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, filter.UserID.String())
		n++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
		n++
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN ("
		for i, st := range filter.Statuses {
			if i > 0 {
				query += ","
			}
			query += fmt.Sprintf("$%d", n)
			args = append(args, st)
			n++
		}
		query += ")"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "list jobs")
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY priority ASC, created_at ASC
		LIMIT $3`,
		models.JobStatusQueued, now, limit,
	)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "list runnable jobs")
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) CountJobsInStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM jobs WHERE status IN (`
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += fmt.Sprintf("$%d", i+1)
		args = append(args, st)
	}
	query += ")"

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, models.WrapError(models.ErrDatabase, err, "count jobs")
	}
	return count, nil
}

func (s *SQLStore) CountActiveJobsForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND status IN ($2,$3,$4)`,
		userID.String(), models.JobStatusQueued, models.JobStatusAssigned, models.JobStatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, models.WrapError(models.ErrDatabase, err, "count active jobs")
	}
	return count, nil
}

func (s *SQLStore) UsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (*models.QuotaUsage, error) {
	usage := &models.QuotaUsage{}

	active, err := s.CountActiveJobsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage.ActiveJobs = active

	// GPU-hours and cost are derived from the terminal rows in Go so the
	// interval arithmetic stays dialect-independent.
	rows, err := s.db.QueryContext(ctx, `SELECT gpu_count_required, started_at, completed_at, actual_cost_usd
		FROM jobs
		WHERE user_id = $1 AND completed_at >= $2 AND status IN ($3,$4,$5,$6)`,
		userID.String(), since,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusTimeout,
	)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "usage query")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			gpuCount             int
			startedAt, completed *time.Time
			cost                 float64
		)
		if err := rows.Scan(&gpuCount, &startedAt, &completed, &cost); err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan usage row")
		}
		if startedAt != nil && completed != nil {
			usage.GPUHoursToday += completed.Sub(*startedAt).Hours() * float64(gpuCount)
		}
		usage.CostTodayUSD += cost
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "usage rows")
	}

	provRows, err := s.db.QueryContext(ctx, `SELECT i.provider, COUNT(*) FROM instances i
		JOIN jobs j ON j.id = i.job_id
		WHERE j.user_id = $1 AND i.status NOT IN ($2,$3,$4)
		GROUP BY i.provider`,
		userID.String(),
		models.InstanceStatusStopped, models.InstanceStatusTerminated, models.InstanceStatusFailed,
	)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "usage instances query")
	}
	defer provRows.Close()

	for provRows.Next() {
		var (
			provider string
			count    int
		)
		if err := provRows.Scan(&provider, &count); err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan usage instances row")
		}
		if usage.InstancesByProv == nil {
			usage.InstancesByProv = make(map[string]int)
		}
		usage.InstancesByProv[provider] = count
	}
	return usage, provRows.Err()
}

func (s *SQLStore) CountActiveInstances(ctx context.Context, provider string, userID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM instances i
		WHERE i.provider = $1 AND i.status NOT IN ($2,$3,$4)`
	args := []interface{}{
		provider,
		models.InstanceStatusStopped, models.InstanceStatusTerminated, models.InstanceStatusFailed,
	}
	if userID != uuid.Nil {
		query += ` AND i.job_id IN (SELECT id FROM jobs WHERE user_id = $5)`
		args = append(args, userID.String())
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, models.WrapError(models.ErrDatabase, err, "count active instances")
	}
	return count, nil
}

const instanceColumns = `id, provider, provider_instance_id, gpu_type, gpu_count, memory_gb, vcpus,
	storage_gb, status, COALESCE(public_ip,''), COALESCE(private_ip,''), hourly_cost_usd, total_cost_usd,
	COALESCE(docker_image,''), env, COALESCE(region,''), preemptible, auto_terminate_minutes,
	provider_metadata, created_at, started_at, stopped_at, last_heartbeat, job_id`

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		inst      models.Instance
		id, jobID string
	)
	err := row.Scan(
		&id, &inst.Provider, &inst.ProviderInstanceID, &inst.GPUType, &inst.GPUCount, &inst.MemoryGB, &inst.VCPUs,
		&inst.StorageGB, &inst.Status, &inst.PublicIP, &inst.PrivateIP, &inst.HourlyCostUSD, &inst.TotalCostUSD,
		&inst.DockerImage, &inst.Env, &inst.Region, &inst.Preemptible, &inst.AutoTerminateMinutes,
		&inst.ProviderMetadata, &inst.CreatedAt, &inst.StartedAt, &inst.StoppedAt, &inst.LastHeartbeat, &jobID,
	)
	if err != nil {
		return nil, err
	}
	if inst.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid instance id: %w", err)
	}
	if inst.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("invalid job id: %w", err)
	}
	return &inst, nil
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO instances (
		id, provider, provider_instance_id, gpu_type, gpu_count, memory_gb, vcpus,
		storage_gb, status, public_ip, private_ip, hourly_cost_usd, total_cost_usd,
		docker_image, env, region, preemptible, auto_terminate_minutes,
		provider_metadata, created_at, started_at, stopped_at, last_heartbeat, job_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		inst.ID.String(), inst.Provider, inst.ProviderInstanceID, inst.GPUType, inst.GPUCount, inst.MemoryGB, inst.VCPUs,
		inst.StorageGB, inst.Status, nullStr(inst.PublicIP), nullStr(inst.PrivateIP), inst.HourlyCostUSD, inst.TotalCostUSD,
		nullStr(inst.DockerImage), inst.Env, nullStr(inst.Region), inst.Preemptible, inst.AutoTerminateMinutes,
		inst.ProviderMetadata, inst.CreatedAt, inst.StartedAt, inst.StoppedAt, inst.LastHeartbeat, inst.JobID.String(),
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "create instance")
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id.String())
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "get instance")
	}
	return inst, nil
}

func updateInstanceTx(ctx context.Context, tx *sql.Tx, inst *models.Instance) error {
	_, err := tx.ExecContext(ctx, `UPDATE instances SET
		status=$1, public_ip=$2, private_ip=$3, total_cost_usd=$4, provider_metadata=$5,
		started_at=$6, stopped_at=$7, last_heartbeat=$8
		WHERE id=$9`,
		inst.Status, nullStr(inst.PublicIP), nullStr(inst.PrivateIP), inst.TotalCostUSD, inst.ProviderMetadata,
		inst.StartedAt, inst.StoppedAt, inst.LastHeartbeat, inst.ID.String(),
	)
	return err
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "begin update instance")
	}
	defer tx.Rollback()

	if err := updateInstanceTx(ctx, tx, inst); err != nil {
		return models.WrapError(models.ErrDatabase, err, "update instance")
	}
	if err := tx.Commit(); err != nil {
		return models.WrapError(models.ErrDatabase, err, "commit update instance")
	}
	return nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1=1`
	args := []interface{}{}
	n := 1
	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", n)
		args = append(args, filter.Provider)
		n++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
		n++
	}
	if filter.NonTerminal {
		query += fmt.Sprintf(" AND status NOT IN ($%d,$%d,$%d)", n, n+1, n+2)
		args = append(args, models.InstanceStatusStopped, models.InstanceStatusTerminated, models.InstanceStatusFailed)
		n += 3
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "list instances")
	}
	defer rows.Close()

	var instances []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan instance")
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLStore) FinalizeJob(ctx context.Context, job *models.Job, inst *models.Instance, reason string) error {
	prev, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "begin finalize")
	}
	defer tx.Rollback()

	if err := updateJobTx(ctx, tx, job, prev.Status, reason); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		return models.WrapError(models.ErrDatabase, err, "finalize job")
	}
	if inst != nil {
		if err := updateInstanceTx(ctx, tx, inst); err != nil {
			return models.WrapError(models.ErrDatabase, err, "finalize instance")
		}
	}
	if err := tx.Commit(); err != nil {
		return models.WrapError(models.ErrDatabase, err, "commit finalize")
	}
	job.Version++
	return nil
}

func (s *SQLStore) CreateTemplate(ctx context.Context, tpl *models.JobTemplate) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_templates (
		id, name, job_type, model_name, gpu_type, gpu_count, memory_gb,
		max_runtime_minutes, priority, max_retries, docker_image, engine_config,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		tpl.ID.String(), tpl.Name, tpl.JobType, tpl.ModelName, nullStr(tpl.GPUType), tpl.GPUCount, tpl.MemoryGB,
		tpl.MaxRuntimeMinutes, tpl.Priority, tpl.MaxRetries, nullStr(tpl.DockerImage), tpl.EngineConfig,
		tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "create template")
	}
	return nil
}

const templateColumns = `id, name, job_type, model_name, COALESCE(gpu_type,''), gpu_count, memory_gb,
	max_runtime_minutes, priority, max_retries, COALESCE(docker_image,''), engine_config, created_at, updated_at`

func scanTemplate(row rowScanner) (*models.JobTemplate, error) {
	var (
		tpl models.JobTemplate
		id  string
	)
	err := row.Scan(
		&id, &tpl.Name, &tpl.JobType, &tpl.ModelName, &tpl.GPUType, &tpl.GPUCount, &tpl.MemoryGB,
		&tpl.MaxRuntimeMinutes, &tpl.Priority, &tpl.MaxRetries, &tpl.DockerImage, &tpl.EngineConfig,
		&tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tpl.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid template id: %w", err)
	}
	return &tpl, nil
}

func (s *SQLStore) GetTemplateByName(ctx context.Context, name string) (*models.JobTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM job_templates WHERE name = $1`, name)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "get template")
	}
	return tpl, nil
}

func (s *SQLStore) ListTemplates(ctx context.Context) ([]*models.JobTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM job_templates ORDER BY name ASC`)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "list templates")
	}
	defer rows.Close()

	var templates []*models.JobTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan template")
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func encodeStrings(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil
	}
	return values
}

func (s *SQLStore) GetQuota(ctx context.Context, userID uuid.UUID) (*models.ResourceQuota, error) {
	var (
		q                 models.ResourceQuota
		id, uid           string
		gpuTypes, provs   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, max_concurrent_jobs, max_gpu_hours_per_day,
		max_cost_per_day_usd, max_instances_per_provider, allowed_gpu_types, allowed_providers,
		priority_boost, created_at, updated_at
		FROM resource_quotas WHERE user_id = $1`, userID.String(),
	).Scan(&id, &uid, &q.MaxConcurrentJobs, &q.MaxGPUHoursPerDay,
		&q.MaxCostPerDayUSD, &q.MaxInstancesPerProvider, &gpuTypes, &provs,
		&q.PriorityBoost, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "get quota")
	}
	if q.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid quota id: %w", err)
	}
	if q.UserID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	q.AllowedGPUTypes = decodeStrings(gpuTypes)
	q.AllowedProviders = decodeStrings(provs)
	return &q, nil
}

func (s *SQLStore) UpsertQuota(ctx context.Context, quota *models.ResourceQuota) error {
	if quota.ID == uuid.Nil {
		quota.ID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE resource_quotas SET
		max_concurrent_jobs=$1, max_gpu_hours_per_day=$2, max_cost_per_day_usd=$3,
		max_instances_per_provider=$4, allowed_gpu_types=$5, allowed_providers=$6,
		priority_boost=$7, updated_at=$8 WHERE user_id=$9`,
		quota.MaxConcurrentJobs, quota.MaxGPUHoursPerDay, quota.MaxCostPerDayUSD,
		quota.MaxInstancesPerProvider, encodeStrings(quota.AllowedGPUTypes), encodeStrings(quota.AllowedProviders),
		quota.PriorityBoost, quota.UpdatedAt, quota.UserID.String(),
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "update quota")
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO resource_quotas (
		id, user_id, max_concurrent_jobs, max_gpu_hours_per_day, max_cost_per_day_usd,
		max_instances_per_provider, allowed_gpu_types, allowed_providers, priority_boost,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		quota.ID.String(), quota.UserID.String(), quota.MaxConcurrentJobs, quota.MaxGPUHoursPerDay, quota.MaxCostPerDayUSD,
		quota.MaxInstancesPerProvider, encodeStrings(quota.AllowedGPUTypes), encodeStrings(quota.AllowedProviders),
		quota.PriorityBoost, quota.CreatedAt, quota.UpdatedAt,
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "insert quota")
	}
	return nil
}

const providerColumns = `id, name, enabled, priority, max_instances, max_hourly_cost_usd,
	encrypted_credentials, COALESCE(default_region,''), settings, requests_per_second,
	last_health_check, health_status, created_at, updated_at`

func scanProviderConfig(row rowScanner) (*models.ProviderConfig, error) {
	var (
		cfg models.ProviderConfig
		id  string
	)
	err := row.Scan(
		&id, &cfg.Name, &cfg.Enabled, &cfg.Priority, &cfg.MaxInstances, &cfg.MaxHourlyCostUSD,
		&cfg.EncryptedCredentials, &cfg.DefaultRegion, &cfg.Settings, &cfg.RequestsPerSecond,
		&cfg.LastHealthCheck, &cfg.HealthStatus, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cfg.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid provider config id: %w", err)
	}
	return &cfg, nil
}

func (s *SQLStore) GetProviderConfig(ctx context.Context, name string) (*models.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM provider_configs WHERE name = $1`, name)
	cfg, err := scanProviderConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "get provider config")
	}
	return cfg, nil
}

func (s *SQLStore) ListProviderConfigs(ctx context.Context) ([]*models.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM provider_configs ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "list provider configs")
	}
	defer rows.Close()

	var configs []*models.ProviderConfig
	for rows.Next() {
		cfg, err := scanProviderConfig(rows)
		if err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan provider config")
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *SQLStore) UpsertProviderConfig(ctx context.Context, cfg *models.ProviderConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE provider_configs SET
		enabled=$1, priority=$2, max_instances=$3, max_hourly_cost_usd=$4,
		encrypted_credentials=$5, default_region=$6, settings=$7, requests_per_second=$8,
		updated_at=$9 WHERE name=$10`,
		cfg.Enabled, cfg.Priority, cfg.MaxInstances, cfg.MaxHourlyCostUSD,
		cfg.EncryptedCredentials, nullStr(cfg.DefaultRegion), cfg.Settings, cfg.RequestsPerSecond,
		cfg.UpdatedAt, cfg.Name,
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "update provider config")
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO provider_configs (
		id, name, enabled, priority, max_instances, max_hourly_cost_usd,
		encrypted_credentials, default_region, settings, requests_per_second,
		last_health_check, health_status, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		cfg.ID.String(), cfg.Name, cfg.Enabled, cfg.Priority, cfg.MaxInstances, cfg.MaxHourlyCostUSD,
		cfg.EncryptedCredentials, nullStr(cfg.DefaultRegion), cfg.Settings, cfg.RequestsPerSecond,
		cfg.LastHealthCheck, cfg.HealthStatus, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "insert provider config")
	}
	return nil
}

func (s *SQLStore) UpdateProviderHealth(ctx context.Context, name string, status models.HealthStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE provider_configs SET health_status=$1, last_health_check=$2, updated_at=$3
		WHERE name=$4`, status, at, at, name)
	if err != nil {
		return models.WrapError(models.ErrDatabase, err, "update provider health")
	}
	return nil
}

func (s *SQLStore) ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]*models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, from_status, to_status, COALESCE(reason,''), created_at
		FROM job_events WHERE job_id = $1 ORDER BY created_at ASC`, jobID.String())
	if err != nil {
		return nil, models.WrapError(models.ErrDatabase, err, "list job events")
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var (
			ev      models.JobEvent
			id, jid string
		)
		if err := rows.Scan(&id, &jid, &ev.From, &ev.To, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, models.WrapError(models.ErrDatabase, err, "scan job event")
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid event id: %w", err)
		}
		if ev.JobID, err = uuid.Parse(jid); err != nil {
			return nil, fmt.Errorf("invalid event job id: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) CompactJobEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, models.WrapError(models.ErrDatabase, err, "compact job events")
	}
	return res.RowsAffected()
}
