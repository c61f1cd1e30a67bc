package models

import (
	"time"

	"github.com/google/uuid"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProviderConfig is the persisted per-provider configuration. Credentials
// are stored encrypted; see internal/secrets.
type ProviderConfig struct {
	ID                   uuid.UUID    `json:"id" db:"id"`
	Name                 string       `json:"name" db:"name"`
	Enabled              bool         `json:"enabled" db:"enabled"`
	Priority             int          `json:"priority" db:"priority"`
	MaxInstances         int          `json:"max_instances" db:"max_instances"`
	MaxHourlyCostUSD     float64      `json:"max_hourly_cost_usd" db:"max_hourly_cost_usd"`
	EncryptedCredentials []byte       `json:"-" db:"encrypted_credentials"`
	DefaultRegion        string       `json:"default_region,omitempty" db:"default_region"`
	Settings             JSONMap      `json:"settings,omitempty" db:"settings"`
	RequestsPerSecond    float64      `json:"requests_per_second" db:"requests_per_second"`
	LastHealthCheck      *time.Time   `json:"last_health_check,omitempty" db:"last_health_check"`
	HealthStatus         HealthStatus `json:"health_status" db:"health_status"`
	CreatedAt            time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at" db:"updated_at"`
}
