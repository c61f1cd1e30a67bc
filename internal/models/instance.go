package models

import (
	"time"

	"github.com/google/uuid"
)

type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusStarting   InstanceStatus = "starting"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusStopping   InstanceStatus = "stopping"
	InstanceStatusStopped    InstanceStatus = "stopped"
	InstanceStatusTerminated InstanceStatus = "terminated"
	InstanceStatusFailed     InstanceStatus = "failed"
)

func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusStopped, InstanceStatusTerminated, InstanceStatusFailed:
		return true
	}
	return false
}

// instanceRank orders the lifecycle so monotonicity can be enforced;
// the failed state is reachable from starting and running as well.
var instanceRank = map[InstanceStatus]int{
	InstanceStatusPending:    0,
	InstanceStatusStarting:   1,
	InstanceStatusRunning:    2,
	InstanceStatusStopping:   3,
	InstanceStatusStopped:    4,
	InstanceStatusTerminated: 4,
	InstanceStatusFailed:     4,
}

// ValidInstanceTransition reports whether from→to is allowed by the
// canonical lifecycle.
func ValidInstanceTransition(from, to InstanceStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == InstanceStatusFailed {
		return true
	}
	return instanceRank[to] > instanceRank[from]
}

// Instance is a rented GPU machine, identified by (provider, provider_instance_id).
type Instance struct {
	ID                   uuid.UUID      `json:"id" db:"id"`
	Provider             string         `json:"provider" db:"provider"`
	ProviderInstanceID   string         `json:"provider_instance_id" db:"provider_instance_id"`
	GPUType              string         `json:"gpu_type" db:"gpu_type"`
	GPUCount             int            `json:"gpu_count" db:"gpu_count"`
	MemoryGB             int            `json:"memory_gb" db:"memory_gb"`
	VCPUs                int            `json:"vcpus" db:"vcpus"`
	StorageGB            int            `json:"storage_gb" db:"storage_gb"`
	Status               InstanceStatus `json:"status" db:"status"`
	PublicIP             string         `json:"public_ip,omitempty" db:"public_ip"`
	PrivateIP            string         `json:"private_ip,omitempty" db:"private_ip"`
	HourlyCostUSD        float64        `json:"hourly_cost_usd" db:"hourly_cost_usd"`
	TotalCostUSD         float64        `json:"total_cost_usd" db:"total_cost_usd"`
	DockerImage          string         `json:"docker_image,omitempty" db:"docker_image"`
	Env                  JSONMap        `json:"env,omitempty" db:"env"`
	Region               string         `json:"region,omitempty" db:"region"`
	Preemptible          bool           `json:"preemptible" db:"preemptible"`
	AutoTerminateMinutes *int           `json:"auto_terminate_minutes,omitempty" db:"auto_terminate_minutes"`
	ProviderMetadata     JSONMap        `json:"provider_metadata,omitempty" db:"provider_metadata"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	StartedAt            *time.Time     `json:"started_at,omitempty" db:"started_at"`
	StoppedAt            *time.Time     `json:"stopped_at,omitempty" db:"stopped_at"`
	LastHeartbeat        *time.Time     `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	JobID                uuid.UUID      `json:"job_id" db:"job_id"`
}

// RunningCost is the accrued cost at a point in time. Once the instance is
// terminalised the stored TotalCostUSD is authoritative.
func (i *Instance) RunningCost(now time.Time) float64 {
	if i.StartedAt == nil {
		return 0
	}
	end := now
	if i.StoppedAt != nil {
		end = *i.StoppedAt
	}
	hours := end.Sub(*i.StartedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	return i.HourlyCostUSD * hours
}
