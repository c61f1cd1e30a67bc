package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceCacheServesFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	cache := NewPriceCache(time.Minute)

	fetches := 0
	fetch := func(ctx context.Context) ([]GPUOffering, error) {
		fetches++
		return []GPUOffering{{GPUType: "A100", HourlyPriceUSD: 2.49, AvailableCount: 4}}, nil
	}

	first, err := cache.Get(ctx, fetch)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := cache.Get(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetches)
}

func TestPriceCacheRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	cache := NewPriceCache(time.Minute)

	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	fetches := 0
	fetch := func(ctx context.Context) ([]GPUOffering, error) {
		fetches++
		return []GPUOffering{{GPUType: "A100", HourlyPriceUSD: 2.49}}, nil
	}

	_, err := cache.Get(ctx, fetch)
	require.NoError(t, err)

	clock = clock.Add(61 * time.Second)
	_, err = cache.Get(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestPriceCacheServesStaleOnFetchError(t *testing.T) {
	ctx := context.Background()
	cache := NewPriceCache(time.Minute)

	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	good := []GPUOffering{{GPUType: "H100", HourlyPriceUSD: 4.99}}
	_, err := cache.Get(ctx, func(ctx context.Context) ([]GPUOffering, error) {
		return good, nil
	})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	got, err := cache.Get(ctx, func(ctx context.Context) ([]GPUOffering, error) {
		return nil, errors.New("provider api down")
	})
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestPriceCacheErrorsWithNoSnapshot(t *testing.T) {
	cache := NewPriceCache(time.Minute)
	_, err := cache.Get(context.Background(), func(ctx context.Context) ([]GPUOffering, error) {
		return nil, errors.New("provider api down")
	})
	assert.Error(t, err)
}

func TestPriceCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewPriceCache(time.Minute)

	fetches := 0
	fetch := func(ctx context.Context) ([]GPUOffering, error) {
		fetches++
		return nil, nil
	}

	_, err := cache.Get(ctx, fetch)
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Get(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestCheapestOffering(t *testing.T) {
	offerings := []GPUOffering{
		{GPUType: "A100", HourlyPriceUSD: 2.49, AvailableCount: 4},
		{GPUType: "A100", HourlyPriceUSD: 1.99, AvailableCount: 1},
		{GPUType: "H100", HourlyPriceUSD: 4.99, AvailableCount: 8},
	}

	best := CheapestOffering(offerings, "A100", 1)
	require.NotNil(t, best)
	assert.Equal(t, 1.99, best.HourlyPriceUSD)

	// count filter skips the cheaper but smaller pool
	best = CheapestOffering(offerings, "A100", 2)
	require.NotNil(t, best)
	assert.Equal(t, 2.49, best.HourlyPriceUSD)

	assert.Nil(t, CheapestOffering(offerings, "B200", 1))
	assert.Nil(t, CheapestOffering(offerings, "H100", 16))
}
