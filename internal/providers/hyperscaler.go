package providers

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
)

// gpuInstanceType maps a GPU SKU to the EC2 instance family serving it.
// On-demand prices are the static fallback; the Pricing API overrides them
// when reachable.
type gpuInstanceType struct {
	InstanceType string
	GPUType      string
	GPUCount     int
	MemoryGB     int
	HourlyUSD    float64
}

var awsGPUCatalog = []gpuInstanceType{
	{"g4dn.xlarge", "T4", 1, 16, 0.526},
	{"g5.xlarge", "A10G", 1, 24, 1.006},
	{"p3.2xlarge", "V100", 1, 16, 3.06},
	{"p3.8xlarge", "V100", 4, 64, 12.24},
	{"p4d.24xlarge", "A100", 8, 320, 32.77},
	{"p5.48xlarge", "H100", 8, 640, 98.32},
}

// HyperscalerAdapter runs jobs on EC2 GPU instances. RunInstances'
// ClientToken gives native idempotency, unlike the marketplace providers.
type HyperscalerAdapter struct {
	ec2Client     *ec2.Client
	pricingClient *pricing.Client
	cfg           *models.ProviderConfig
	cache         *PriceCache
	region        string
	amiID         string
	spotMaxPrice  string
}

func NewHyperscalerAdapter(ctx context.Context, cfg *models.ProviderConfig, region string) (*HyperscalerAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, models.WrapError(models.ErrProvider, err, "aws config load")
	}

	a := &HyperscalerAdapter{
		ec2Client: ec2.NewFromConfig(awsCfg),
		// the Pricing API only lives in us-east-1
		pricingClient: pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
			o.Region = "us-east-1"
		}),
		cfg:    cfg,
		cache:  NewPriceCache(DefaultPriceTTL),
		region: region,
	}
	if cfg != nil && cfg.Settings != nil {
		if v, ok := cfg.Settings["ami_id"].(string); ok {
			a.amiID = v
		}
		if v, ok := cfg.Settings["spot_max_price"].(string); ok {
			a.spotMaxPrice = v
		}
	}
	return a, nil
}

func (a *HyperscalerAdapter) Name() string { return "aws" }

func (a *HyperscalerAdapter) Priority() int {
	if a.cfg != nil {
		return a.cfg.Priority
	}
	return 100
}

func (a *HyperscalerAdapter) catalogEntry(gpuType string, gpuCount int) *gpuInstanceType {
	var best *gpuInstanceType
	for i := range awsGPUCatalog {
		e := &awsGPUCatalog[i]
		if e.GPUType != gpuType || e.GPUCount < gpuCount {
			continue
		}
		if best == nil || e.HourlyUSD < best.HourlyUSD {
			best = e
		}
	}
	return best
}

func (a *HyperscalerAdapter) ListOfferings(ctx context.Context) ([]GPUOffering, error) {
	return a.cache.Get(ctx, a.fetchOfferings)
}

func (a *HyperscalerAdapter) fetchOfferings(ctx context.Context) ([]GPUOffering, error) {
	offerings := make([]GPUOffering, 0, len(awsGPUCatalog))
	for _, e := range awsGPUCatalog {
		price := a.onDemandPrice(ctx, e.InstanceType, e.HourlyUSD)
		offerings = append(offerings, GPUOffering{
			GPUType:        e.GPUType,
			MemoryGB:       e.MemoryGB,
			HourlyPriceUSD: price / float64(e.GPUCount),
			AvailableCount: e.GPUCount,
			Regions:        []string{a.region},
		})
	}
	return offerings, nil
}

// onDemandPrice asks the Pricing API for the current rate, falling back to
// the static catalog price.
func (a *HyperscalerAdapter) onDemandPrice(ctx context.Context, instanceType string, fallback float64) float64 {
	out, err := a.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		MaxResults:  aws.Int32(1),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(a.region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
		},
	})
	if err != nil || len(out.PriceList) == 0 {
		return fallback
	}
	if price, ok := parseOnDemandUSD(out.PriceList[0]); ok {
		return price
	}
	return fallback
}

// parseOnDemandUSD digs the USD/hr rate out of a Pricing API product blob.
func parseOnDemandUSD(raw string) (float64, bool) {
	var doc struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return 0, false
	}
	for _, term := range doc.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			usd, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
			if err == nil && usd > 0 {
				return usd, true
			}
		}
	}
	return 0, false
}

func (a *HyperscalerAdapter) EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (float64, error) {
	entry := a.catalogEntry(gpuType, gpuCount)
	if entry == nil {
		return 0, models.NewError(models.ErrProviderPermanent, "aws does not offer %d× %s", gpuCount, gpuType)
	}
	price := a.onDemandPrice(ctx, entry.InstanceType, entry.HourlyUSD)
	// billing is per instance; a partial GPU ask still rents the whole box
	return price * float64(runtimeMinutes) / 60.0, nil
}

func (a *HyperscalerAdapter) ValidateRequirements(ctx context.Context, job *models.Job, gpuType string, gpuCount int) (bool, ValidationReason, error) {
	if a.cfg != nil && !a.cfg.Enabled {
		return false, ReasonProviderDisabled, nil
	}
	entry := a.catalogEntry(gpuType, gpuCount)
	if entry == nil {
		if a.catalogEntry(gpuType, 1) != nil {
			return false, ReasonInsufficientAvailability, nil
		}
		return false, ReasonUnsupportedGPU, nil
	}
	if a.cfg != nil && a.cfg.MaxHourlyCostUSD > 0 && entry.HourlyUSD > a.cfg.MaxHourlyCostUSD {
		return false, ReasonOverBudget, nil
	}
	return true, "", nil
}

func (a *HyperscalerAdapter) CreateInstance(ctx context.Context, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) (*models.Instance, error) {
	entry := a.catalogEntry(gpuType, gpuCount)
	if entry == nil {
		return nil, models.NewError(models.ErrInsufficientResources, "aws has no %d× %s instance type", gpuCount, gpuType)
	}
	if a.amiID == "" {
		return nil, models.NewError(models.ErrProviderPermanent, "aws adapter has no AMI configured")
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(a.amiID),
		InstanceType: ec2types.InstanceType(entry.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(IdempotencyToken(job)),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("gpuorc-" + job.ID.String())},
					{Key: aws.String("ManagedBy"), Value: aws.String("gpuorchestrator")},
				},
			},
		},
	}
	if opts.UseSpot {
		spot := &ec2types.SpotMarketOptions{
			SpotInstanceType: ec2types.SpotInstanceTypeOneTime,
		}
		if a.spotMaxPrice != "" {
			spot.MaxPrice = aws.String(a.spotMaxPrice)
		}
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType:  ec2types.MarketTypeSpot,
			SpotOptions: spot,
		}
	}

	result, err := a.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return nil, classifyAWSError(err)
	}
	if len(result.Instances) == 0 {
		return nil, models.NewError(models.ErrProvider, "aws returned no instances")
	}
	ec2Inst := result.Instances[0]

	price := a.onDemandPrice(ctx, entry.InstanceType, entry.HourlyUSD)
	now := time.Now().UTC()
	return &models.Instance{
		ID:                 uuid.New(),
		Provider:           a.Name(),
		ProviderInstanceID: aws.ToString(ec2Inst.InstanceId),
		GPUType:            gpuType,
		GPUCount:           entry.GPUCount,
		MemoryGB:           entry.MemoryGB,
		Status:             models.InstanceStatusPending,
		HourlyCostUSD:      price,
		Region:             a.region,
		Preemptible:        opts.UseSpot,
		ProviderMetadata: models.JSONMap{
			"instance_type": entry.InstanceType,
		},
		CreatedAt: now,
		JobID:     job.ID,
	}, nil
}

func (a *HyperscalerAdapter) TerminateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	_, err := a.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{inst.ProviderInstanceID},
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
			return true, nil
		}
		return false, models.WrapError(models.ErrProvider, err, "aws terminate %s", inst.ProviderInstanceID)
	}
	return true, nil
}

func (a *HyperscalerAdapter) GetInstanceStatus(ctx context.Context, inst *models.Instance) (models.InstanceStatus, error) {
	out, err := a.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{inst.ProviderInstanceID},
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
			return models.InstanceStatusTerminated, nil
		}
		return "", models.WrapError(models.ErrProvider, err, "aws describe %s", inst.ProviderInstanceID)
	}
	for _, reservation := range out.Reservations {
		for _, ec2Inst := range reservation.Instances {
			if ec2Inst.State == nil {
				continue
			}
			switch ec2Inst.State.Name {
			case ec2types.InstanceStateNamePending:
				return models.InstanceStatusStarting, nil
			case ec2types.InstanceStateNameRunning:
				return models.InstanceStatusRunning, nil
			case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameStopping:
				return models.InstanceStatusStopping, nil
			case ec2types.InstanceStateNameStopped:
				return models.InstanceStatusStopped, nil
			case ec2types.InstanceStateNameTerminated:
				return models.InstanceStatusTerminated, nil
			}
		}
	}
	return models.InstanceStatusTerminated, nil
}

func (a *HyperscalerAdapter) GetInstanceEndpoint(ctx context.Context, inst *models.Instance) (string, error) {
	out, err := a.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{inst.ProviderInstanceID},
	})
	if err != nil {
		return "", models.WrapError(models.ErrProvider, err, "aws describe %s", inst.ProviderInstanceID)
	}
	for _, reservation := range out.Reservations {
		for _, ec2Inst := range reservation.Instances {
			if ip := aws.ToString(ec2Inst.PublicIpAddress); ip != "" {
				return ip, nil
			}
		}
	}
	return "", nil
}

func (a *HyperscalerAdapter) HealthCheck(ctx context.Context) (*HealthReport, error) {
	started := time.Now()
	_, err := a.ec2Client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []ec2types.InstanceType{ec2types.InstanceType("g4dn.xlarge")},
	})
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
		OfferingsCount: len(awsGPUCatalog),
	}, nil
}

func classifyAWSError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "InstanceLimitExceeded") || strings.Contains(msg, "VcpuLimitExceeded"):
		return models.WrapError(models.ErrQuotaExceeded, err, "aws account limit")
	case strings.Contains(msg, "InsufficientInstanceCapacity") || strings.Contains(msg, "SpotMaxPriceTooLow"):
		return models.WrapError(models.ErrInsufficientResources, err, "aws has no capacity")
	default:
		logging.Warn("aws create failed", map[string]interface{}{"error": msg})
		return models.WrapError(models.ErrProvider, err, "aws create failed")
	}
}
