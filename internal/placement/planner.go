package placement

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// Strategy selects among qualifying providers.
type Strategy string

const (
	StrategyCostOptimized        Strategy = "COST_OPTIMIZED"
	StrategyPerformanceOptimized Strategy = "PERFORMANCE_OPTIMIZED"
	StrategyBalanced             Strategy = "BALANCED"
	StrategyFastestAvailable     Strategy = "FASTEST_AVAILABLE"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyCostOptimized, StrategyPerformanceOptimized, StrategyBalanced, StrategyFastestAvailable:
		return true
	}
	return false
}

// StrategyFromString parses the PLACEMENT_STRATEGY env form.
func StrategyFromString(s string) Strategy {
	switch strings.ToLower(s) {
	case "performance_optimized":
		return StrategyPerformanceOptimized
	case "balanced":
		return StrategyBalanced
	case "fastest_available":
		return StrategyFastestAvailable
	default:
		return StrategyCostOptimized
	}
}

// BudgetGuardFactor caps how far above the admission estimate a placement
// may cost.
const BudgetGuardFactor = 1.5

// Plan is a concrete placement decision.
type Plan struct {
	Provider         string
	GPUType          string
	GPUCount         int
	Region           string
	EstimatedCostUSD float64
}

type candidate struct {
	name      string
	priority  int
	cost      float64
	latencyMS int64
	region    string
	available int
}

// Planner chooses a provider for a job. It never retries: a job that
// cannot be placed fails with NO_PLACEMENT and the decision is final.
type Planner struct {
	registry *providers.Registry
	store    store.Store
	strategy Strategy
}

func NewPlanner(registry *providers.Registry, st store.Store, strategy Strategy) *Planner {
	if !strategy.Valid() {
		strategy = StrategyCostOptimized
	}
	return &Planner{registry: registry, store: st, strategy: strategy}
}

func (p *Planner) Strategy() Strategy { return p.strategy }

// Plan validates the job against every enabled adapter the quota allows,
// prices the survivors, applies the budget guard and selects under the
// strategy. A nil quota places no user restriction.
func (p *Planner) Plan(ctx context.Context, job *models.Job, quota *models.ResourceQuota) (*Plan, error) {
	gpuType := job.GPUTypeRequired
	gpuCount := job.GPUCountRequired
	if gpuCount <= 0 {
		gpuCount = 1
	}

	var candidates []candidate
	for _, adapter := range p.registry.Enabled() {
		name := adapter.Name()
		if !p.registry.Healthy(name) {
			continue
		}
		if quota != nil && !quota.AllowsProvider(name) {
			continue
		}
		if full, err := p.atInstanceCap(ctx, name, job, quota); err != nil || full {
			if err != nil {
				logging.Warn("placement instance cap check failed", map[string]interface{}{
					"provider": name,
					"job_id":   job.ID.String(),
					"error":    err.Error(),
				})
			}
			continue
		}

		ok, reason, err := p.registry.ValidateRequirements(ctx, name, job, gpuType, gpuCount)
		if err != nil {
			logging.Warn("placement validation failed", map[string]interface{}{
				"provider": name,
				"job_id":   job.ID.String(),
				"error":    err.Error(),
			})
			continue
		}
		if !ok {
			logging.Debug("provider rejected requirements", map[string]interface{}{
				"provider": name,
				"job_id":   job.ID.String(),
				"reason":   string(reason),
			})
			continue
		}

		cost, err := p.registry.EstimateCost(ctx, name, gpuType, gpuCount, job.MaxRuntimeMinutes)
		if err != nil {
			continue
		}
		if job.EstimatedCostUSD > 0 && cost > BudgetGuardFactor*job.EstimatedCostUSD {
			continue
		}

		c := candidate{
			name:     name,
			priority: adapter.Priority(),
			cost:     cost,
		}
		if health := p.registry.LastHealth(name); health != nil {
			c.latencyMS = health.LatencyMS
		}
		if offerings, err := p.registry.Offerings(ctx, name); err == nil {
			if offering := providers.CheapestOffering(offerings, gpuType, gpuCount); offering != nil {
				c.available = offering.AvailableCount
				if len(offering.Regions) > 0 {
					c.region = offering.Regions[0]
				}
			}
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, models.NewError(models.ErrNoPlacement, "no provider can place %d× %s within budget", gpuCount, gpuType)
	}

	chosen := p.choose(candidates)
	return &Plan{
		Provider:         chosen.name,
		GPUType:          gpuType,
		GPUCount:         gpuCount,
		Region:           chosen.region,
		EstimatedCostUSD: chosen.cost,
	}, nil
}

func (p *Planner) choose(candidates []candidate) candidate {
	best := candidates[0]
	switch p.strategy {
	case StrategyCostOptimized:
		for _, c := range candidates[1:] {
			if c.cost < best.cost || (c.cost == best.cost && c.priority < best.priority) {
				best = c
			}
		}
	case StrategyPerformanceOptimized:
		for _, c := range candidates[1:] {
			if c.latencyMS < best.latencyMS || (c.latencyMS == best.latencyMS && c.cost < best.cost) {
				best = c
			}
		}
	case StrategyBalanced:
		bestScore := balancedScore(best)
		for _, c := range candidates[1:] {
			if score := balancedScore(c); score < bestScore {
				best, bestScore = c, score
			}
		}
	case StrategyFastestAvailable:
		// candidates arrive in priority order; take the first with
		// non-zero availability
		for _, c := range candidates {
			if c.available > 0 {
				return c
			}
		}
	}
	return best
}

// atInstanceCap reports whether the provider is saturated, either globally
// (ProviderConfig.MaxInstances) or for this user
// (ResourceQuota.MaxInstancesPerProvider). Zero limits mean unlimited.
func (p *Planner) atInstanceCap(ctx context.Context, provider string, job *models.Job, quota *models.ResourceQuota) (bool, error) {
	if p.store == nil {
		return false, nil
	}

	if cfg, err := p.store.GetProviderConfig(ctx, provider); err == nil && cfg.MaxInstances > 0 {
		total, err := p.store.CountActiveInstances(ctx, provider, uuid.Nil)
		if err != nil {
			return false, err
		}
		if total >= cfg.MaxInstances {
			return true, nil
		}
	} else if err != nil && err != models.ErrNotFound {
		return false, err
	}

	if quota != nil && quota.MaxInstancesPerProvider > 0 {
		mine, err := p.store.CountActiveInstances(ctx, provider, job.UserID)
		if err != nil {
			return false, err
		}
		if mine >= quota.MaxInstancesPerProvider {
			return true, nil
		}
	}
	return false, nil
}

// balancedScore weighs cost by a latency penalty in [0, 0.5]: one full
// second of API latency is the worst case.
func balancedScore(c candidate) float64 {
	penalty := math.Min(float64(c.latencyMS)/1000.0, 1.0) * 0.5
	return c.cost * (1 + penalty)
}
