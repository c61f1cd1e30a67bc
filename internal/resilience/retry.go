package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

// RetryConfig defines retry behavior for provider and database calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
}

// DefaultRetryConfig caps provider calls at 3 attempts per the adapter contract.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2.0,
	JitterFactor:   0.5,
}

type RetryFunc func() error

type RetryFuncWithResult[T any] func() (T, error)

func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	_, err := RetryWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult retries fn with exponential backoff while the failure
// class is transient. Permanent classes surface immediately.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn RetryFuncWithResult[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxRetries {
			backoff := calculateBackoff(config, attempt)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

func calculateBackoff(config RetryConfig, attempt int) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.Multiplier, float64(attempt))

	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}

	// Jitter prevents thundering herd against a recovering provider.
	jitter := backoff * config.JitterFactor * (rand.Float64()*2 - 1)
	backoff += jitter

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// IsRetryable decides from the error class, not the message. Typed
// orchestrator errors use their taxonomy class; raw transport errors fall
// back to network heuristics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oe *models.Error
	if errors.As(err, &oe) {
		return oe.Class.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// 5xx and 429 are transient; other 4xx never retried.
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	return false
}

// HTTPError represents a provider HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Classify maps a raw provider call error into the taxonomy.
func Classify(err error) models.ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrCancelled
	}
	var oe *models.Error
	if errors.As(err, &oe) {
		return oe.Class
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests {
			return models.ErrProvider
		}
		return models.ErrProviderPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.ErrProvider
	}
	return models.ErrInternal
}

// RetryWithCircuitBreaker combines class-aware retry with a circuit breaker.
func RetryWithCircuitBreaker[T any](
	ctx context.Context,
	cb *CircuitBreaker,
	service string,
	config RetryConfig,
	fn RetryFuncWithResult[T],
) (T, error) {
	return RetryWithResult(ctx, config, func() (T, error) {
		result, err := cb.ExecuteContext(ctx, service, func() (interface{}, error) {
			return fn()
		})

		if err != nil {
			var zero T
			return zero, err
		}

		return result.(T), nil
	})
}
