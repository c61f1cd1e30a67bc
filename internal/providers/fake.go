package providers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

// FakeAdapter is a deterministic in-memory adapter for tests and -dev mode.
// Behavior is driven by the offerings it is seeded with plus optional error
// injection hooks.
type FakeAdapter struct {
	name     string
	priority int

	mu        sync.Mutex
	offerings []GPUOffering
	enabled   bool
	latencyMS int64

	instances map[string]models.InstanceStatus
	endpoints map[string]string
	created   map[string]string // idempotency token -> provider instance id
	createSeq int

	CreateErr    error
	StatusErr    error
	TerminateErr error

	CreateCalls    int
	TerminateCalls int
}

func NewFakeAdapter(name string, priority int, offerings []GPUOffering) *FakeAdapter {
	return &FakeAdapter{
		name:      name,
		priority:  priority,
		offerings: offerings,
		enabled:   true,
		latencyMS: 10,
		instances: make(map[string]models.InstanceStatus),
		created:   make(map[string]string),
	}
}

func (f *FakeAdapter) Name() string  { return f.name }
func (f *FakeAdapter) Priority() int { return f.priority }

func (f *FakeAdapter) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *FakeAdapter) SetLatency(ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latencyMS = ms
}

// SetInstanceStatus drives what GetInstanceStatus reports next.
func (f *FakeAdapter) SetInstanceStatus(providerInstanceID string, status models.InstanceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[providerInstanceID] = status
}

// SetInstanceEndpoint drives what GetInstanceEndpoint reports.
func (f *FakeAdapter) SetInstanceEndpoint(providerInstanceID, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endpoints == nil {
		f.endpoints = make(map[string]string)
	}
	f.endpoints[providerInstanceID] = endpoint
}

func (f *FakeAdapter) GetInstanceEndpoint(ctx context.Context, inst *models.Instance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[inst.ProviderInstanceID], nil
}

func (f *FakeAdapter) ListOfferings(ctx context.Context) ([]GPUOffering, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GPUOffering, len(f.offerings))
	copy(out, f.offerings)
	return out, nil
}

func (f *FakeAdapter) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offering := CheapestOffering(f.offerings, gpuType, 1)
	if offering == nil {
		return 0, models.NewError(models.ErrProviderPermanent, "%s does not offer %s", f.name, gpuType)
	}
	return offering.HourlyPriceUSD * float64(gpuCount) * float64(runtimeMinutes) / 60.0, nil
}

func (f *FakeAdapter) ValidateRequirements(ctx context.Context, job *models.Job, gpuType string, gpuCount int) (bool, ValidationReason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return false, ReasonProviderDisabled, nil
	}
	offering := CheapestOffering(f.offerings, gpuType, 1)
	if offering == nil {
		return false, ReasonUnsupportedGPU, nil
	}
	if offering.AvailableCount < gpuCount {
		return false, ReasonInsufficientAvailability, nil
	}
	return true, "", nil
}

func (f *FakeAdapter) CreateInstance(ctx context.Context, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++

	if f.CreateErr != nil {
		err := f.CreateErr
		return nil, err
	}

	token := IdempotencyToken(job)
	providerID, seen := f.created[token]
	if !seen {
		f.createSeq++
		providerID = f.name + "-inst-" + uuid.New().String()[:8]
		f.created[token] = providerID
		f.instances[providerID] = models.InstanceStatusPending
	}

	offering := CheapestOffering(f.offerings, gpuType, gpuCount)
	hourly := 1.0
	if offering != nil {
		hourly = offering.HourlyPriceUSD * float64(gpuCount)
	}

	return &models.Instance{
		ID:                 uuid.New(),
		Provider:           f.name,
		ProviderInstanceID: providerID,
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		Status:             models.InstanceStatusPending,
		HourlyCostUSD:      hourly,
		Region:             opts.Region,
		Preemptible:        opts.UseSpot,
		CreatedAt:          time.Now().UTC(),
		JobID:              job.ID,
	}, nil
}

func (f *FakeAdapter) TerminateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TerminateCalls++
	if f.TerminateErr != nil {
		return false, f.TerminateErr
	}
	f.instances[inst.ProviderInstanceID] = models.InstanceStatusTerminated
	return true, nil
}

func (f *FakeAdapter) GetInstanceStatus(ctx context.Context, inst *models.Instance) (models.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	status, ok := f.instances[inst.ProviderInstanceID]
	if !ok {
		return models.InstanceStatusTerminated, nil
	}
	return status, nil
}

func (f *FakeAdapter) HealthCheck(ctx context.Context) (*HealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &HealthReport{
		Provider:       f.name,
		Healthy:        f.enabled,
		LatencyMS:      f.latencyMS,
		OfferingsCount: len(f.offerings),
	}, nil
}
