package providers

import (
	"context"
	"fmt"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

// Adapter is the capability set every GPU provider must satisfy. Adapters
// are dumb translators: rate limiting, retries and circuit breaking are
// applied by the Registry, never inside an adapter.
type Adapter interface {
	// Name returns the canonical provider name (runpod, vastai, aws).
	Name() string

	// Priority returns the configured provider priority (lower = preferred).
	Priority() int

	// ListOfferings returns the current GPU inventory. Snapshots up to 60s
	// stale are acceptable; callers go through the registry's price cache.
	ListOfferings(ctx context.Context) ([]GPUOffering, error)

	// EstimateCost projects the USD cost of running gpuCount GPUs of
	// gpuType for runtimeMinutes. Monotone in count and minutes.
	EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (float64, error)

	// ValidateRequirements reports whether the provider can serve the job,
	// with a machine-readable reason when it cannot.
	ValidateRequirements(ctx context.Context, job *models.Job, gpuType string, gpuCount int) (bool, ValidationReason, error)

	// CreateInstance provisions a machine for the job. The call must be
	// idempotent under retry: adapters key creation on IdempotencyToken(job).
	CreateInstance(ctx context.Context, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) (*models.Instance, error)

	// TerminateInstance requests teardown. Idempotent; true means the
	// provider accepted the intent, final state flows through GetInstanceStatus.
	TerminateInstance(ctx context.Context, inst *models.Instance) (bool, error)

	// GetInstanceStatus maps the provider's state into the canonical set.
	GetInstanceStatus(ctx context.Context, inst *models.Instance) (models.InstanceStatus, error)

	// HealthCheck probes the provider API.
	HealthCheck(ctx context.Context) (*HealthReport, error)
}

// EndpointReporter is implemented by adapters that can resolve a running
// instance's public address. The monitor uses it to decide readiness.
type EndpointReporter interface {
	GetInstanceEndpoint(ctx context.Context, inst *models.Instance) (string, error)
}

// GPUOffering is one row of a provider's inventory snapshot.
type GPUOffering struct {
	GPUType        string   `json:"gpu_type"`
	MemoryGB       int      `json:"memory_gb"`
	HourlyPriceUSD float64  `json:"hourly_price_usd"`
	SpotPriceUSD   float64  `json:"spot_price_usd,omitempty"`
	AvailableCount int      `json:"available_count"`
	Regions        []string `json:"regions,omitempty"`
}

// CreateOptions is the closed set of provisioning knobs. Anything a
// provider cannot honor it ignores.
type CreateOptions struct {
	Region          string
	StorageGB       int
	ContainerDiskGB int
	UseSpot         bool
	APIEndpoint     string
}

// ValidationReason is the closed reason set for requirement rejections.
type ValidationReason string

const (
	ReasonUnsupportedGPU           ValidationReason = "UNSUPPORTED_GPU"
	ReasonInsufficientAvailability ValidationReason = "INSUFFICIENT_AVAILABILITY"
	ReasonOverBudget               ValidationReason = "OVER_BUDGET"
	ReasonProviderDisabled         ValidationReason = "PROVIDER_DISABLED"
)

// HealthReport is the result of one provider probe.
type HealthReport struct {
	Provider       string `json:"provider"`
	Healthy        bool   `json:"healthy"`
	LatencyMS      int64  `json:"latency_ms"`
	OfferingsCount int    `json:"offerings_count"`
	Error          string `json:"error,omitempty"`
}

// IdempotencyToken keys instance creation so a retried create cannot
// double-provision. The retry counter is included so a requeued job gets a
// fresh machine while in-flight network retries reuse the same token.
func IdempotencyToken(job *models.Job) string {
	return fmt.Sprintf("orc-%s-%d", job.ID, job.RetryCount)
}

// CheapestOffering returns the lowest-priced offering matching gpuType with
// at least gpuCount available, or nil.
func CheapestOffering(offerings []GPUOffering, gpuType string, gpuCount int) *GPUOffering {
	var best *GPUOffering
	for i := range offerings {
		o := &offerings[i]
		if o.GPUType != gpuType || o.AvailableCount < gpuCount {
			continue
		}
		if best == nil || o.HourlyPriceUSD < best.HourlyPriceUSD {
			best = o
		}
	}
	return best
}
