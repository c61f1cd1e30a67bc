package models

import (
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeLlavaInference JobType = "llava_inference"
	JobTypeLlamaInference JobType = "llama_inference"
	JobTypeTraining       JobType = "training"
	JobTypeBatch          JobType = "batch"
	JobTypeCustom         JobType = "custom"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeLlavaInference, JobTypeLlamaInference, JobTypeTraining, JobTypeBatch, JobTypeCustom:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// Terminal reports whether no further transition can leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// Active means the job counts against concurrency caps.
func (s JobStatus) Active() bool {
	return s == JobStatusAssigned || s == JobStatusRunning
}

const (
	PriorityHighest = 1
	PriorityLowest  = 10
)

// Job is the unit of work requested by a user. Jobs are never deleted,
// only terminalised; actual_cost_usd is written once on finalisation.
type Job struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	UserID            uuid.UUID  `json:"user_id" db:"user_id"`
	JobType           JobType    `json:"job_type" db:"job_type"`
	ModelName         string     `json:"model_name" db:"model_name"`
	TemplateName      string     `json:"template_name,omitempty" db:"template_name"`
	Priority          int        `json:"priority" db:"priority"`
	GPUTypeRequired   string     `json:"gpu_type_required" db:"gpu_type_required"`
	GPUCountRequired  int        `json:"gpu_count_required" db:"gpu_count_required"`
	MemoryGBRequired  int        `json:"memory_gb_required" db:"memory_gb_required"`
	MaxRuntimeMinutes int        `json:"max_runtime_minutes" db:"max_runtime_minutes"`
	Input             JSONMap    `json:"input,omitempty" db:"input"`
	Output            JSONMap    `json:"output,omitempty" db:"output"`
	ErrorMessage      string     `json:"error_message,omitempty" db:"error_message"`
	Status            JobStatus  `json:"status" db:"status"`
	ProgressPercent   float64    `json:"progress_percent" db:"progress_percent"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	EstimatedDoneAt   *time.Time `json:"estimated_completion_at,omitempty" db:"estimated_completion_at"`
	EstimatedCostUSD  float64    `json:"estimated_cost_usd" db:"estimated_cost_usd"`
	ActualCostUSD     float64    `json:"actual_cost_usd" db:"actual_cost_usd"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	MaxRetries        int        `json:"max_retries" db:"max_retries"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	InstanceID        *uuid.UUID `json:"instance_id,omitempty" db:"instance_id"`

	// Version backs the optimistic concurrency check on status writes.
	Version int `json:"-" db:"version"`
}

// EffectivePriority applies queue aging: one step per window crossed, floor 1.
func (j *Job) EffectivePriority(now time.Time, agingWindow time.Duration) int {
	p := j.Priority
	if agingWindow > 0 {
		waited := now.Sub(j.CreatedAt)
		for waited > agingWindow && p > PriorityHighest {
			p--
			waited -= agingWindow
		}
	}
	if p < PriorityHighest {
		p = PriorityHighest
	}
	if p > PriorityLowest {
		p = PriorityLowest
	}
	return p
}

// ClampPriority bounds a priority to the valid [1,10] range.
func ClampPriority(p int) int {
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// JobEvent is a history record of a job status transition.
type JobEvent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	JobID     uuid.UUID `json:"job_id" db:"job_id"`
	From      JobStatus `json:"from_status" db:"from_status"`
	To        JobStatus `json:"to_status" db:"to_status"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
