package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aiserve/gpuorchestrator/internal/logging"
)

// CircuitBreaker tracks one gobreaker per provider so a flapping cloud
// cannot soak the scheduler in timeouts.
type CircuitBreaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
	settings Settings
}

type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")

	DefaultSettings = Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
)

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxRequests == 0 {
		settings = DefaultSettings
	}

	return &CircuitBreaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

func (cb *CircuitBreaker) Execute(provider string, fn func() (interface{}, error)) (interface{}, error) {
	breaker := cb.getOrCreateBreaker(provider)

	result, err := breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrCircuitOpen
	}

	return result, err
}

func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, provider string, fn func() (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return cb.Execute(provider, fn)
}

func (cb *CircuitBreaker) State(provider string) gobreaker.State {
	cb.mu.RLock()
	breaker, exists := cb.breakers[provider]
	cb.mu.RUnlock()

	if !exists {
		return gobreaker.StateClosed
	}

	return breaker.State()
}

func (cb *CircuitBreaker) getOrCreateBreaker(provider string) *gobreaker.CircuitBreaker {
	cb.mu.RLock()
	breaker, exists := cb.breakers[provider]
	cb.mu.RUnlock()

	if exists {
		return breaker
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if breaker, exists := cb.breakers[provider]; exists {
		return breaker
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: cb.settings.MaxRequests,
		Interval:    cb.settings.Interval,
		Timeout:     cb.settings.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cb.settings.MinRequests {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cb.settings.FailureThreshold
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warn("provider circuit breaker state change", map[string]interface{}{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})

	cb.breakers[provider] = breaker
	return breaker
}
