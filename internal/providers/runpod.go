package providers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/pkg/runpod"
)

const defaultRunPodImage = "runpod/pytorch:2.1.0-py3.10-cuda11.8.0-devel-ubuntu22.04"

// RunPodAdapter serves jobs from RunPod's pod marketplace.
type RunPodAdapter struct {
	client *runpod.Client
	cfg    *models.ProviderConfig
	cache  *PriceCache
	image  string
}

func NewRunPodAdapter(client *runpod.Client, cfg *models.ProviderConfig) *RunPodAdapter {
	image := defaultRunPodImage
	if cfg != nil && cfg.Settings != nil {
		if v, ok := cfg.Settings["docker_image"].(string); ok && v != "" {
			image = v
		}
	}
	return &RunPodAdapter{
		client: client,
		cfg:    cfg,
		cache:  NewPriceCache(DefaultPriceTTL),
		image:  image,
	}
}

func (a *RunPodAdapter) Name() string { return "runpod" }

func (a *RunPodAdapter) Priority() int {
	if a.cfg != nil {
		return a.cfg.Priority
	}
	return 100
}

func (a *RunPodAdapter) ListOfferings(ctx context.Context) ([]GPUOffering, error) {
	return a.cache.Get(ctx, a.fetchOfferings)
}

func (a *RunPodAdapter) fetchOfferings(ctx context.Context) ([]GPUOffering, error) {
	gpuTypes, err := a.client.ListGPUTypes(ctx)
	if err != nil {
		return nil, models.WrapError(models.ErrProvider, err, "runpod list gpu types")
	}

	offerings := make([]GPUOffering, 0, len(gpuTypes))
	for _, gt := range gpuTypes {
		if gt.CommunityPrice <= 0 && gt.SecurePrice <= 0 {
			continue
		}
		price := gt.CommunityPrice
		if price <= 0 {
			price = gt.SecurePrice
		}
		offerings = append(offerings, GPUOffering{
			GPUType:        gt.DisplayName,
			MemoryGB:       gt.MemoryInGB,
			HourlyPriceUSD: price,
			SpotPriceUSD:   gt.CommunitySpotPrice,
			AvailableCount: gt.MaxGPUCount,
		})
	}
	return offerings, nil
}

func (a *RunPodAdapter) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (float64, error) {
	offerings, err := a.ListOfferings(ctx)
	if err != nil {
		return 0, err
	}
	offering := CheapestOffering(offerings, gpuType, 1)
	if offering == nil {
		return 0, models.NewError(models.ErrProviderPermanent, "runpod does not offer %s", gpuType)
	}
	return offering.HourlyPriceUSD * float64(gpuCount) * float64(runtimeMinutes) / 60.0, nil
}

func (a *RunPodAdapter) ValidateRequirements(ctx context.Context, job *models.Job, gpuType string, gpuCount int) (bool, ValidationReason, error) {
	if a.cfg != nil && !a.cfg.Enabled {
		return false, ReasonProviderDisabled, nil
	}
	offerings, err := a.ListOfferings(ctx)
	if err != nil {
		return false, "", err
	}
	offering := CheapestOffering(offerings, gpuType, 1)
	if offering == nil {
		return false, ReasonUnsupportedGPU, nil
	}
	if offering.AvailableCount < gpuCount {
		return false, ReasonInsufficientAvailability, nil
	}
	if a.cfg != nil && a.cfg.MaxHourlyCostUSD > 0 &&
		offering.HourlyPriceUSD*float64(gpuCount) > a.cfg.MaxHourlyCostUSD {
		return false, ReasonOverBudget, nil
	}
	return true, "", nil
}

func (a *RunPodAdapter) CreateInstance(ctx context.Context, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) (*models.Instance, error) {
	offerings, err := a.ListOfferings(ctx)
	if err != nil {
		return nil, err
	}
	offering := CheapestOffering(offerings, gpuType, gpuCount)
	if offering == nil {
		return nil, models.NewError(models.ErrInsufficientResources, "runpod has no %d× %s available", gpuCount, gpuType)
	}

	gpuTypeID, err := a.gpuTypeID(ctx, gpuType)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	if opts.APIEndpoint != "" {
		env["ORCHESTRATOR_ENDPOINT"] = opts.APIEndpoint
	}

	pod, err := a.client.CreatePod(ctx, runpod.CreatePodRequest{
		Name:              IdempotencyToken(job),
		GPUTypeID:         gpuTypeID,
		GPUCount:          gpuCount,
		ImageName:         a.image,
		VolumeInGB:        opts.StorageGB,
		ContainerDiskInGB: opts.ContainerDiskGB,
		MinMemoryInGB:     job.MemoryGBRequired,
		Spot:              opts.UseSpot,
		Env:               env,
	})
	if err != nil {
		return nil, classifyCreateError("runpod", err)
	}

	hourly := pod.CostPerHr
	if hourly <= 0 {
		hourly = offering.HourlyPriceUSD * float64(gpuCount)
	}

	now := time.Now().UTC()
	return &models.Instance{
		ID:                 uuid.New(),
		Provider:           a.Name(),
		ProviderInstanceID: pod.ID,
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		MemoryGB:           offering.MemoryGB * gpuCount,
		StorageGB:          opts.StorageGB,
		Status:             models.InstanceStatusPending,
		HourlyCostUSD:      hourly,
		DockerImage:        a.image,
		Region:             opts.Region,
		Preemptible:        opts.UseSpot,
		CreatedAt:          now,
		JobID:              job.ID,
	}, nil
}

func (a *RunPodAdapter) gpuTypeID(ctx context.Context, gpuType string) (string, error) {
	gpuTypes, err := a.client.ListGPUTypes(ctx)
	if err != nil {
		return "", models.WrapError(models.ErrProvider, err, "runpod list gpu types")
	}
	for _, gt := range gpuTypes {
		if gt.DisplayName == gpuType {
			return gt.ID, nil
		}
	}
	return "", models.NewError(models.ErrProviderPermanent, "runpod does not offer %s", gpuType)
}

func (a *RunPodAdapter) TerminateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	err := a.client.TerminatePod(ctx, inst.ProviderInstanceID)
	if err != nil {
		// terminating an already-gone pod is success
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return true, nil
		}
		return false, models.WrapError(models.ErrProvider, err, "runpod terminate %s", inst.ProviderInstanceID)
	}
	return true, nil
}

func (a *RunPodAdapter) GetInstanceStatus(ctx context.Context, inst *models.Instance) (models.InstanceStatus, error) {
	pod, err := a.client.GetPod(ctx, inst.ProviderInstanceID)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return models.InstanceStatusTerminated, nil
		}
		return "", models.WrapError(models.ErrProvider, err, "runpod get pod %s", inst.ProviderInstanceID)
	}

	switch pod.DesiredStatus {
	case "CREATED", "PENDING":
		return models.InstanceStatusStarting, nil
	case "RUNNING":
		if pod.Runtime == nil {
			return models.InstanceStatusStarting, nil
		}
		return models.InstanceStatusRunning, nil
	case "EXITED", "STOPPED":
		return models.InstanceStatusStopped, nil
	case "TERMINATED", "DEAD":
		return models.InstanceStatusTerminated, nil
	case "FAILED":
		return models.InstanceStatusFailed, nil
	default:
		return models.InstanceStatusPending, nil
	}
}

func (a *RunPodAdapter) GetInstanceEndpoint(ctx context.Context, inst *models.Instance) (string, error) {
	pod, err := a.client.GetPod(ctx, inst.ProviderInstanceID)
	if err != nil {
		return "", models.WrapError(models.ErrProvider, err, "runpod get pod %s", inst.ProviderInstanceID)
	}
	return pod.PublicIP(), nil
}

func (a *RunPodAdapter) HealthCheck(ctx context.Context) (*HealthReport, error) {
	started := time.Now()
	offerings, err := a.fetchOfferings(ctx)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return &HealthReport{
			Provider:  a.Name(),
			Healthy:   false,
			LatencyMS: latency,
			Error:     err.Error(),
		}, nil
	}
	return &HealthReport{
		Provider:       a.Name(),
		Healthy:        true,
		LatencyMS:      latency,
		OfferingsCount: len(offerings),
	}, nil
}

// classifyCreateError maps a raw create failure onto the taxonomy the
// runner's retry policy keys on.
func classifyCreateError(provider string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "credit") || strings.Contains(msg, "billing") || strings.Contains(msg, "balance") || strings.Contains(msg, "quota"):
		return models.WrapError(models.ErrQuotaExceeded, err, "%s rejected create", provider)
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "capacity"):
		return models.WrapError(models.ErrInsufficientResources, err, "%s has no capacity", provider)
	default:
		return models.WrapError(models.ErrProvider, err, "%s create failed", provider)
	}
}
