package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
)

// Client is a road-network router. Optional: without it the estimator
// falls back to straight-line distance at an average speed.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Estimator turns two positions into an ETA.
type Estimator struct {
	SpeedKmh float64
	Client   Client
	Cache    *Cache
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) time.Duration {
	if e.Client != nil {
		if e.Cache != nil {
			if v, ok := e.Cache.Get(from, to); ok {
				return seconds(v)
			}
		}
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return seconds(v)
		}
	}
	return Naive(geo.Distance(from, to), e.SpeedKmh)
}

// Naive ETA: remaining km / average km/h.
func Naive(remainingKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		speedKmh = 30
	}
	return seconds(remainingKm / speedKmh * 3600)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Round(time.Second)
}

// Cache is a tiny in-memory cache for router lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

// keys are rounded to ~10 m so consecutive pings from a parked vehicle hit.
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
