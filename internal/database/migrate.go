package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the orchestrator schema. The DDL is kept to the dialect
// subset shared by postgres and sqlite; ids and timestamps are generated in
// Go so no engine-specific defaults are needed.
func Migrate(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			job_type TEXT NOT NULL,
			model_name TEXT NOT NULL,
			template_name TEXT,
			priority INTEGER NOT NULL DEFAULT 5,
			gpu_type_required TEXT NOT NULL,
			gpu_count_required INTEGER NOT NULL DEFAULT 1,
			memory_gb_required INTEGER NOT NULL DEFAULT 0,
			max_runtime_minutes INTEGER NOT NULL,
			input TEXT,
			output TEXT,
			error_message TEXT,
			status TEXT NOT NULL,
			progress_percent REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			assigned_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			estimated_completion_at TIMESTAMP,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			actual_cost_usd REAL NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMP,
			instance_id TEXT,
			version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_instance ON jobs(instance_id)`,

		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_instance_id TEXT NOT NULL,
			gpu_type TEXT NOT NULL,
			gpu_count INTEGER NOT NULL DEFAULT 1,
			memory_gb INTEGER NOT NULL DEFAULT 0,
			vcpus INTEGER NOT NULL DEFAULT 0,
			storage_gb INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			public_ip TEXT,
			private_ip TEXT,
			hourly_cost_usd REAL NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			docker_image TEXT,
			env TEXT,
			region TEXT,
			preemptible BOOLEAN NOT NULL DEFAULT FALSE,
			auto_terminate_minutes INTEGER,
			provider_metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			stopped_at TIMESTAMP,
			last_heartbeat TIMESTAMP,
			job_id TEXT NOT NULL,
			CONSTRAINT uq_provider_instance UNIQUE (provider, provider_instance_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_instances_provider_status ON instances(provider, status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_created_at ON instances(created_at)`,

		`CREATE TABLE IF NOT EXISTS job_templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			job_type TEXT NOT NULL,
			model_name TEXT NOT NULL,
			gpu_type TEXT,
			gpu_count INTEGER NOT NULL DEFAULT 1,
			memory_gb INTEGER NOT NULL DEFAULT 0,
			max_runtime_minutes INTEGER NOT NULL DEFAULT 60,
			priority INTEGER NOT NULL DEFAULT 5,
			max_retries INTEGER NOT NULL DEFAULT 0,
			docker_image TEXT,
			engine_config TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS resource_quotas (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			max_concurrent_jobs INTEGER NOT NULL,
			max_gpu_hours_per_day REAL NOT NULL,
			max_cost_per_day_usd REAL NOT NULL,
			max_instances_per_provider INTEGER NOT NULL,
			allowed_gpu_types TEXT,
			allowed_providers TEXT,
			priority_boost INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS provider_configs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 100,
			max_instances INTEGER NOT NULL DEFAULT 10,
			max_hourly_cost_usd REAL NOT NULL DEFAULT 0,
			encrypted_credentials BLOB,
			default_region TEXT,
			settings TEXT,
			requests_per_second REAL NOT NULL DEFAULT 10,
			last_health_check TIMESTAMP,
			health_status TEXT NOT NULL DEFAULT 'unknown',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
