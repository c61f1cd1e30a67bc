package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

var fastRetry = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     10 * time.Millisecond,
	Multiplier:     2.0,
	JitterFactor:   0,
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastRetry, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", models.NewError(models.ErrProvider, "blip")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentClass(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetry, func() (string, error) {
		attempts++
		return "", models.NewError(models.ErrProviderPermanent, "no such gpu")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsTransientFailures(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetry, func() (string, error) {
		attempts++
		return "", models.NewError(models.ErrProvider, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // 1 try + 3 retries
	assert.Equal(t, models.ErrProvider, models.ClassOf(err))
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, fastRetry, func() (string, error) {
		return "", models.NewError(models.ErrProvider, "never reached")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(models.NewError(models.ErrProvider, "x")))
	assert.True(t, IsRetryable(models.NewError(models.ErrInsufficientResources, "x")))
	assert.True(t, IsRetryable(models.NewError(models.ErrDatabase, "x")))
	assert.False(t, IsRetryable(models.NewError(models.ErrProviderPermanent, "x")))
	assert.False(t, IsRetryable(models.NewError(models.ErrValidation, "x")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsRetryable(&HTTPError{StatusCode: http.StatusBadGateway}))
	assert.True(t, IsRetryable(&HTTPError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsRetryable(&HTTPError{StatusCode: http.StatusNotFound}))
	assert.True(t, IsRetryable(ErrCircuitOpen))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, models.ErrCancelled, Classify(context.Canceled))
	assert.Equal(t, models.ErrQuotaExceeded, Classify(models.NewError(models.ErrQuotaExceeded, "x")))
	assert.Equal(t, models.ErrProvider, Classify(&HTTPError{StatusCode: 503}))
	assert.Equal(t, models.ErrProviderPermanent, Classify(&HTTPError{StatusCode: 401}))
	assert.Equal(t, models.ErrInternal, Classify(errors.New("mystery")))
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0,
	}
	assert.Equal(t, time.Second, calculateBackoff(cfg, 0))
	assert.Equal(t, 2*time.Second, calculateBackoff(cfg, 1))
	assert.Equal(t, 4*time.Second, calculateBackoff(cfg, 2))
	assert.Equal(t, 4*time.Second, calculateBackoff(cfg, 5))
}
