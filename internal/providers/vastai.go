package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/pkg/vastai"
)

const defaultVastImage = "pytorch/pytorch:2.1.0-cuda11.8-cudnn8-runtime"

// VastAdapter serves jobs from the Vast.ai spot marketplace. Vast machines
// are always interruptible, so every instance it creates is preemptible.
type VastAdapter struct {
	client *vastai.Client
	cfg    *models.ProviderConfig
	cache  *PriceCache
	image  string
}

func NewVastAdapter(client *vastai.Client, cfg *models.ProviderConfig) *VastAdapter {
	image := defaultVastImage
	if cfg != nil && cfg.Settings != nil {
		if v, ok := cfg.Settings["docker_image"].(string); ok && v != "" {
			image = v
		}
	}
	return &VastAdapter{
		client: client,
		cfg:    cfg,
		cache:  NewPriceCache(DefaultPriceTTL),
		image:  image,
	}
}

func (a *VastAdapter) Name() string { return "vastai" }

func (a *VastAdapter) Priority() int {
	if a.cfg != nil {
		return a.cfg.Priority
	}
	return 100
}

func (a *VastAdapter) ListOfferings(ctx context.Context) ([]GPUOffering, error) {
	return a.cache.Get(ctx, a.fetchOfferings)
}

func (a *VastAdapter) fetchOfferings(ctx context.Context) ([]GPUOffering, error) {
	offers, err := a.client.SearchOffers(ctx)
	if err != nil {
		return nil, models.WrapError(models.ErrProvider, err, "vastai search offers")
	}

	// collapse per-machine offers into per-GPU-type rows
	byType := make(map[string]*GPUOffering)
	for _, offer := range offers {
		perGPU := offer.DPHTotal / float64(max(offer.NumGPUs, 1))
		o, ok := byType[offer.GPUName]
		if !ok {
			byType[offer.GPUName] = &GPUOffering{
				GPUType:        offer.GPUName,
				MemoryGB:       offer.GPUMemoryMB / 1024,
				HourlyPriceUSD: perGPU,
				SpotPriceUSD:   perGPU,
				AvailableCount: offer.NumGPUs,
				Regions:        []string{offer.Location},
			}
			continue
		}
		o.AvailableCount += offer.NumGPUs
		if perGPU < o.HourlyPriceUSD {
			o.HourlyPriceUSD = perGPU
			o.SpotPriceUSD = perGPU
		}
	}

	offerings := make([]GPUOffering, 0, len(byType))
	for _, o := range byType {
		offerings = append(offerings, *o)
	}
	return offerings, nil
}

func (a *VastAdapter) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (float64, error) {
	offerings, err := a.ListOfferings(ctx)
	if err != nil {
		return 0, err
	}
	offering := CheapestOffering(offerings, gpuType, 1)
	if offering == nil {
		return 0, models.NewError(models.ErrProviderPermanent, "vast.ai does not offer %s", gpuType)
	}
	return offering.HourlyPriceUSD * float64(gpuCount) * float64(runtimeMinutes) / 60.0, nil
}

func (a *VastAdapter) ValidateRequirements(ctx context.Context, job *models.Job, gpuType string, gpuCount int) (bool, ValidationReason, error) {
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

func (a *VastAdapter) CreateInstance(ctx context.Context, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) (*models.Instance, error) {
	token := IdempotencyToken(job)

	// a lost create response leaves a contract carrying our label
	if existing, err := a.client.FindInstanceByLabel(ctx, token); err == nil && existing != nil {
		return a.toInstance(existing, job, gpuType, gpuCount, opts), nil
	}

	offers, err := a.client.SearchOffers(ctx)
	if err != nil {
		return nil, models.WrapError(models.ErrProvider, err, "vastai search offers")
	}

	var best *vastai.Offer
	for i := range offers {
		offer := &offers[i]
		if offer.GPUName != gpuType || offer.NumGPUs < gpuCount {
			continue
		}
		if best == nil || offer.DPHTotal < best.DPHTotal {
			best = offer
		}
	}
	if best == nil {
		return nil, models.NewError(models.ErrInsufficientResources, "vast.ai has no %d× %s available", gpuCount, gpuType)
	}

	diskGB := opts.StorageGB
	if diskGB <= 0 {
		diskGB = 20
	}
	env := map[string]string{}
	if opts.APIEndpoint != "" {
		env["ORCHESTRATOR_ENDPOINT"] = opts.APIEndpoint
	}

	contractID, err := a.client.CreateInstance(ctx, vastai.CreateRequest{
		OfferID: best.ID,
		Label:   token,
		Image:   a.image,
		DiskGB:  diskGB,
		Env:     env,
	})
	if err != nil {
		return nil, classifyCreateError("vast.ai", err)
	}

	now := time.Now().UTC()
	return &models.Instance{
		ID:                 uuid.New(),
		Provider:           a.Name(),
		ProviderInstanceID: contractID,
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		MemoryGB:           best.GPUMemoryMB / 1024 * gpuCount,
		VCPUs:              best.CPUCores,
		StorageGB:          diskGB,
		Status:             models.InstanceStatusPending,
		HourlyCostUSD:      best.DPHTotal,
		DockerImage:        a.image,
		Region:             best.Location,
		Preemptible:        true,
		CreatedAt:          now,
		JobID:              job.ID,
	}, nil
}

func (a *VastAdapter) toInstance(detail *vastai.InstanceDetail, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) *models.Instance {
	return &models.Instance{
		ID:                 uuid.New(),
		Provider:           a.Name(),
		ProviderInstanceID: fmt.Sprintf("%d", detail.ID),
		GPUType:            gpuType,
		GPUCount:           gpuCount,
		StorageGB:          opts.StorageGB,
		Status:             models.InstanceStatusPending,
		PublicIP:           detail.PublicIP,
		HourlyCostUSD:      detail.DPHTotal,
		DockerImage:        a.image,
		Preemptible:        true,
		CreatedAt:          time.Now().UTC(),
		JobID:              job.ID,
	}
}

func (a *VastAdapter) TerminateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	if err := a.client.DestroyInstance(ctx, inst.ProviderInstanceID); err != nil {
		return false, models.WrapError(models.ErrProvider, err, "vast.ai destroy %s", inst.ProviderInstanceID)
	}
	return true, nil
}

func (a *VastAdapter) GetInstanceStatus(ctx context.Context, inst *models.Instance) (models.InstanceStatus, error) {
	detail, err := a.client.ShowInstance(ctx, inst.ProviderInstanceID)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "404") ||
			strings.Contains(strings.ToLower(err.Error()), "not found") {
			return models.InstanceStatusTerminated, nil
		}
		return "", models.WrapError(models.ErrProvider, err, "vast.ai show %s", inst.ProviderInstanceID)
	}

	switch detail.ActualStatus {
	case "loading", "created":
		return models.InstanceStatusStarting, nil
	case "running":
		return models.InstanceStatusRunning, nil
	case "stopping":
		return models.InstanceStatusStopping, nil
	case "exited", "stopped", "offline":
		return models.InstanceStatusStopped, nil
	case "destroyed":
		return models.InstanceStatusTerminated, nil
	default:
		return models.InstanceStatusPending, nil
	}
}

func (a *VastAdapter) GetInstanceEndpoint(ctx context.Context, inst *models.Instance) (string, error) {
	detail, err := a.client.ShowInstance(ctx, inst.ProviderInstanceID)
	if err != nil {
		return "", models.WrapError(models.ErrProvider, err, "vast.ai show %s", inst.ProviderInstanceID)
	}
	return detail.PublicIP, nil
}

func (a *VastAdapter) HealthCheck(ctx context.Context) (*HealthReport, error) {
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
