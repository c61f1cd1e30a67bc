package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONMap is an opaque JSON object persisted as JSONB/TEXT.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// JobTemplate is a named default config for a job type/model. Templates are
// immutable from the point of view of jobs that already referenced them.
type JobTemplate struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	JobType           JobType   `json:"job_type" db:"job_type"`
	ModelName         string    `json:"model_name" db:"model_name"`
	GPUType           string    `json:"gpu_type" db:"gpu_type"`
	GPUCount          int       `json:"gpu_count" db:"gpu_count"`
	MemoryGB          int       `json:"memory_gb" db:"memory_gb"`
	MaxRuntimeMinutes int       `json:"max_runtime_minutes" db:"max_runtime_minutes"`
	Priority          int       `json:"priority" db:"priority"`
	MaxRetries        int       `json:"max_retries" db:"max_retries"`
	DockerImage       string    `json:"docker_image,omitempty" db:"docker_image"`
	EngineConfig      JSONMap   `json:"engine_config,omitempty" db:"engine_config"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
