package models

import (
	"time"

	"github.com/google/uuid"
)

// ResourceQuota holds per-user limits. A missing row means DefaultQuota.
type ResourceQuota struct {
	ID                      uuid.UUID `json:"id" db:"id"`
	UserID                  uuid.UUID `json:"user_id" db:"user_id"`
	MaxConcurrentJobs       int       `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	MaxGPUHoursPerDay       float64   `json:"max_gpu_hours_per_day" db:"max_gpu_hours_per_day"`
	MaxCostPerDayUSD        float64   `json:"max_cost_per_day_usd" db:"max_cost_per_day_usd"`
	MaxInstancesPerProvider int       `json:"max_instances_per_provider" db:"max_instances_per_provider"`
	AllowedGPUTypes         []string  `json:"allowed_gpu_types,omitempty" db:"allowed_gpu_types"`
	AllowedProviders        []string  `json:"allowed_providers,omitempty" db:"allowed_providers"`
	PriorityBoost           int       `json:"priority_boost" db:"priority_boost"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

func DefaultQuota(userID uuid.UUID) *ResourceQuota {
	return &ResourceQuota{
		UserID:                  userID,
		MaxConcurrentJobs:       5,
		MaxGPUHoursPerDay:       100,
		MaxCostPerDayUSD:        500,
		MaxInstancesPerProvider: 5,
		PriorityBoost:           0,
	}
}

// AllowsGPUType reports whether the GPU type passes the allow-list.
// An empty list allows everything.
func (q *ResourceQuota) AllowsGPUType(gpuType string) bool {
	if len(q.AllowedGPUTypes) == 0 {
		return true
	}
	for _, t := range q.AllowedGPUTypes {
		if t == gpuType {
			return true
		}
	}
	return false
}

func (q *ResourceQuota) AllowsProvider(provider string) bool {
	if len(q.AllowedProviders) == 0 {
		return true
	}
	for _, p := range q.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// QuotaUsage is the live consumption snapshot admission checks against.
type QuotaUsage struct {
	ActiveJobs      int     `json:"active_jobs"`
	GPUHoursToday   float64 `json:"gpu_hours_today"`
	CostTodayUSD    float64 `json:"cost_today_usd"`
	InstancesByProv map[string]int `json:"instances_by_provider,omitempty"`
}
