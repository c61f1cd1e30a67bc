package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aiserve/gpuorchestrator/internal/database"
	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/resilience"
)

// CallTimeout bounds every provider call.
const CallTimeout = 30 * time.Second

// HealthRecorder persists the outcome of a provider probe. store.Store
// satisfies it.
type HealthRecorder interface {
	UpdateProviderHealth(ctx context.Context, name string, status models.HealthStatus, at time.Time) error
}

type entry struct {
	adapter Adapter
	limiter *rate.Limiter
	enabled bool
}

// Registry owns the enabled adapters and applies the shared call policy:
// per-provider token bucket, 30s deadline, class-aware retry and a circuit
// breaker. Components call providers through the registry, never directly.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	health  map[string]*HealthReport

	breaker  *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
	redis    *database.RedisClient
	recorder HealthRecorder
	priceTTL time.Duration
}

type RegistryOption func(*Registry)

// WithRedis shares offering snapshots across processes.
func WithRedis(client *database.RedisClient) RegistryOption {
	return func(r *Registry) { r.redis = client }
}

// WithHealthRecorder persists probe results.
func WithHealthRecorder(rec HealthRecorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

func WithPriceTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.priceTTL = ttl }
}

func WithRetryConfig(cfg resilience.RetryConfig) RegistryOption {
	return func(r *Registry) { r.retryCfg = cfg }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		health:   make(map[string]*HealthReport),
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultSettings),
		retryCfg: resilience.DefaultRetryConfig,
		priceTTL: DefaultPriceTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter under the provider's persisted config. A zero
// RequestsPerSecond falls back to 2 rps.
func (r *Registry) Register(adapter Adapter, cfg *models.ProviderConfig) {
	rps := 2.0
	enabled := true
	if cfg != nil {
		if cfg.RequestsPerSecond > 0 {
			rps = cfg.RequestsPerSecond
		}
		enabled = cfg.Enabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[adapter.Name()] = &entry{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		enabled: enabled,
	}
}

// SetEnabled flips a provider without re-registering.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.enabled = enabled
	}
}

// Enabled returns the enabled adapters ordered by priority.
func (r *Registry) Enabled() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var adapters []Adapter
	for _, e := range r.entries {
		if e.enabled {
			adapters = append(adapters, e.adapter)
		}
	}
	sort.Slice(adapters, func(i, j int) bool {
		if adapters[i].Priority() != adapters[j].Priority() {
			return adapters[i].Priority() < adapters[j].Priority()
		}
		return adapters[i].Name() < adapters[j].Name()
	})
	return adapters
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, models.NewError(models.ErrValidation, "unknown provider %q", name)
	}
	return e, nil
}

// call applies the shared policy around one adapter invocation.
func call[T any](ctx context.Context, r *Registry, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	e, err := r.lookup(name)
	if err != nil {
		return zero, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	return resilience.RetryWithCircuitBreaker(ctx, r.breaker, name, r.retryCfg, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

// Offerings serves a provider's inventory. The shared Redis snapshot is
// consulted first so sibling processes reuse each other's fetches; on a
// miss the adapter's own 60s copy-on-write cache bounds API traffic.
func (r *Registry) Offerings(ctx context.Context, name string) ([]GPUOffering, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if cached := r.loadSnapshot(ctx, name); cached != nil {
		return cached, nil
	}
	offerings, err := call(ctx, r, name, func(ctx context.Context) ([]GPUOffering, error) {
		return e.adapter.ListOfferings(ctx)
	})
	if err != nil {
		return nil, err
	}
	r.storeSnapshot(ctx, name, offerings)
	return offerings, nil
}

func pricingKey(name string) string {
	return fmt.Sprintf("pricing:%s", name)
}

func (r *Registry) loadSnapshot(ctx context.Context, name string) []GPUOffering {
	if r.redis == nil {
		return nil
	}
	raw, err := r.redis.Get(ctx, pricingKey(name))
	if err != nil {
		if !database.IsNil(err) {
			logging.Warn("pricing snapshot read failed", map[string]interface{}{
				"provider": name,
				"error":    err.Error(),
			})
		}
		return nil
	}
	var offerings []GPUOffering
	if err := json.Unmarshal([]byte(raw), &offerings); err != nil {
		return nil
	}
	return offerings
}

func (r *Registry) storeSnapshot(ctx context.Context, name string, offerings []GPUOffering) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(offerings)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, pricingKey(name), string(data), r.priceTTL); err != nil {
		logging.Warn("pricing snapshot write failed", map[string]interface{}{
			"provider": name,
			"error":    err.Error(),
		})
	}
}

func (r *Registry) EstimateCost(ctx context.Context, name, gpuType string, gpuCount, runtimeMinutes int) (float64, error) {
	return call(ctx, r, name, func(ctx context.Context) (float64, error) {
		e, err := r.lookup(name)
		if err != nil {
			return 0, err
		}
		return e.adapter.EstimateCost(ctx, gpuType, gpuCount, runtimeMinutes)
	})
}

func (r *Registry) ValidateRequirements(ctx context.Context, name string, job *models.Job, gpuType string, gpuCount int) (bool, ValidationReason, error) {
	type result struct {
		ok     bool
		reason ValidationReason
	}
	res, err := call(ctx, r, name, func(ctx context.Context) (result, error) {
		e, err := r.lookup(name)
		if err != nil {
			return result{}, err
		}
		ok, reason, err := e.adapter.ValidateRequirements(ctx, job, gpuType, gpuCount)
		return result{ok: ok, reason: reason}, err
	})
	return res.ok, res.reason, err
}

func (r *Registry) CreateInstance(ctx context.Context, name string, job *models.Job, gpuType string, gpuCount int, opts CreateOptions) (*models.Instance, error) {
	return call(ctx, r, name, func(ctx context.Context) (*models.Instance, error) {
		e, err := r.lookup(name)
		if err != nil {
			return nil, err
		}
		return e.adapter.CreateInstance(ctx, job, gpuType, gpuCount, opts)
	})
}

func (r *Registry) TerminateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	return call(ctx, r, inst.Provider, func(ctx context.Context) (bool, error) {
		e, err := r.lookup(inst.Provider)
		if err != nil {
			return false, err
		}
		return e.adapter.TerminateInstance(ctx, inst)
	})
}

func (r *Registry) GetInstanceStatus(ctx context.Context, inst *models.Instance) (models.InstanceStatus, error) {
	return call(ctx, r, inst.Provider, func(ctx context.Context) (models.InstanceStatus, error) {
		e, err := r.lookup(inst.Provider)
		if err != nil {
			return "", err
		}
		return e.adapter.GetInstanceStatus(ctx, inst)
	})
}

// GetInstanceEndpoint resolves the instance's public address when the
// adapter can report one; "" means not yet reachable.
func (r *Registry) GetInstanceEndpoint(ctx context.Context, inst *models.Instance) (string, error) {
	e, err := r.lookup(inst.Provider)
	if err != nil {
		return "", err
	}
	reporter, ok := e.adapter.(EndpointReporter)
	if !ok {
		return "", nil
	}
	return call(ctx, r, inst.Provider, func(ctx context.Context) (string, error) {
		return reporter.GetInstanceEndpoint(ctx, inst)
	})
}

// CheckHealth probes all enabled providers in parallel, records the
// outcomes and returns them keyed by provider.
func (r *Registry) CheckHealth(ctx context.Context) map[string]*HealthReport {
	adapters := r.Enabled()
	reports := make([]*HealthReport, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, adapter := range adapters {
		i, adapter := i, adapter
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, CallTimeout)
			defer cancel()

			started := time.Now()
			report, err := adapter.HealthCheck(probeCtx)
			if err != nil {
				report = &HealthReport{
					Provider:  adapter.Name(),
					Healthy:   false,
					LatencyMS: time.Since(started).Milliseconds(),
					Error:     err.Error(),
				}
			}
			report.Provider = adapter.Name()
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*HealthReport, len(reports))
	r.mu.Lock()
	for _, report := range reports {
		if report == nil {
			continue
		}
		r.health[report.Provider] = report
		out[report.Provider] = report
	}
	r.mu.Unlock()

	if r.recorder != nil {
		now := time.Now().UTC()
		for name, report := range out {
			status := models.HealthHealthy
			if !report.Healthy {
				status = models.HealthUnhealthy
			}
			if err := r.recorder.UpdateProviderHealth(ctx, name, status, now); err != nil {
				logging.Warn("failed to record provider health", map[string]interface{}{
					"provider": name,
					"error":    err.Error(),
				})
			}
		}
	}
	return out
}

// LastHealth returns the most recent probe for a provider, or nil.
func (r *Registry) LastHealth(name string) *HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health[name]
}

// Healthy reports the last probe outcome; providers never probed count as
// healthy so a cold start can still place work.
func (r *Registry) Healthy(name string) bool {
	if report := r.LastHealth(name); report != nil {
		return report.Healthy
	}
	return true
}
