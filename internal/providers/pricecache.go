package providers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPriceTTL bounds offering snapshot staleness.
const DefaultPriceTTL = 60 * time.Second

type priceSnapshot struct {
	offerings []GPUOffering
	fetchedAt time.Time
}

// PriceCache is a copy-on-write offering cache. Readers load an immutable
// snapshot without locking; a single writer refreshes it once the TTL has
// passed and swaps the whole slice.
type PriceCache struct {
	ttl      time.Duration
	now      func() time.Time
	snapshot atomic.Pointer[priceSnapshot]

	// serialises refreshes so a thundering herd performs one fetch
	refreshMu sync.Mutex
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &PriceCache{ttl: ttl, now: time.Now}
}

// Get returns a fresh-enough snapshot, fetching through fetch when stale.
// On fetch failure a stale snapshot is served if one exists.
func (c *PriceCache) Get(ctx context.Context, fetch func(ctx context.Context) ([]GPUOffering, error)) ([]GPUOffering, error) {
	if snap := c.snapshot.Load(); snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
		return snap.offerings, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another goroutine may have refreshed while we waited
	if snap := c.snapshot.Load(); snap != nil && c.now().Sub(snap.fetchedAt) < c.ttl {
		return snap.offerings, nil
	}

	offerings, err := fetch(ctx)
	if err != nil {
		if snap := c.snapshot.Load(); snap != nil {
			return snap.offerings, nil
		}
		return nil, err
	}

	c.snapshot.Store(&priceSnapshot{offerings: offerings, fetchedAt: c.now()})
	return offerings, nil
}

// Invalidate drops the snapshot so the next Get refetches.
func (c *PriceCache) Invalidate() {
	c.snapshot.Store(nil)
}
