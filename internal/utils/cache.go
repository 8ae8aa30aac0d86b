package utils

import (
	"math"
	"sync"
	"time"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/clock"
)

// ValueCache is a small TTL cache of float64 values keyed by string, used
// to skip history writes of unchanged point values. It is thread-safe.
type ValueCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock clock.Clock
	data  map[string]entry
}

type entry struct {
	v  float64
	at time.Time
}

// NewValueCache creates a cache with the given TTL. If ttl <= 0, it
// defaults to 1h. A nil clock uses wall time.
func NewValueCache(ttl time.Duration, clk clock.Clock) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ValueCache{ttl: ttl, clock: clk, data: make(map[string]entry, 1024)}
}

// GetValue returns the cached value if it exists and hasn't expired.
func (c *ValueCache) GetValue(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if c.clock.Now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return 0, false
	}
	return e.v, true
}

// SetValue stores the value with the current timestamp.
func (c *ValueCache) SetValue(key string, v float64) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.clock.Now()}
	c.mu.Unlock()
}

func (c *ValueCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// SetTTL updates the cache TTL for subsequent get checks.
func (c *ValueCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// FloatsEqual compares with a relative tolerance of 1e-9.
func FloatsEqual(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale < 1 {
		return diff < 1e-9
	}
	return diff/scale < 1e-9
}
