package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/models"
)

// RouteOracle answers routing questions against an external engine.
type RouteOracle interface {
	Route(ctx context.Context, from, to models.GeoPoint) (models.RouteEstimate, error)
}

// Estimator produces route estimates. When the oracle is unset or fails the
// estimator degrades to straight-line distance at the configured speed, so
// callers always get an answer.
type Estimator struct {
	Oracle          RouteOracle
	DefaultSpeedKPH float64
	Logger          *slog.Logger

	cache *Cache
}

func NewEstimator(oracle RouteOracle, defaultSpeedKPH float64, cacheTTL time.Duration, logger *slog.Logger) *Estimator {
	if defaultSpeedKPH <= 0 {
		defaultSpeedKPH = 24
	}
	return &Estimator{
		Oracle:          oracle,
		DefaultSpeedKPH: defaultSpeedKPH,
		Logger:          logger,
		cache:           NewCache(cacheTTL),
	}
}

// Estimate never fails: oracle first, cached, falling back to straight-line.
func (e *Estimator) Estimate(ctx context.Context, from, to models.GeoPoint) models.RouteEstimate {
	if est, ok := e.cache.Get(from, to); ok {
		return est
	}
	if e.Oracle != nil {
		est, err := e.Oracle.Route(ctx, from, to)
		if err == nil {
			e.cache.Set(from, to, est)
			return est
		}
		if e.Logger != nil {
			e.Logger.Warn("route oracle failed, using straight-line estimate", "err", err)
		}
	}
	return e.fallback(from, to)
}

func (e *Estimator) fallback(from, to models.GeoPoint) models.RouteEstimate {
	dist := geo.HaversineMeters(from, to)
	speedMps := e.DefaultSpeedKPH / 3.6
	return models.RouteEstimate{
		DistanceMeters:  dist,
		DurationSeconds: dist / speedMps,
	}
}

// MinutesAway rounds a duration up to whole minutes, never below one. Riders
// see this number, so zero is a lie even when the vehicle is on top of them.
func MinutesAway(est models.RouteEstimate) int {
	m := int(math.Ceil(est.DurationSeconds / 60))
	if m < 1 {
		m = 1
	}
	return m
}

// Cache is a tiny in-memory cache for route lookups keyed by endpoints.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.RouteEstimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL. A non-positive TTL
// disables caching.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.GeoPoint) string {
	return fmtPoint(a) + "->" + fmtPoint(b)
}

func fmtPoint(p models.GeoPoint) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Get returns the cached estimate and true if present and not expired.
func (c *Cache) Get(a, b models.GeoPoint) (models.RouteEstimate, bool) {
	if c.ttl <= 0 {
		return models.RouteEstimate{}, false
	}
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.RouteEstimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.RouteEstimate{}, false
	}
	return e.v, true
}

// Set stores an estimate in the cache.
func (c *Cache) Set(a, b models.GeoPoint, v models.RouteEstimate) {
	if c.ttl <= 0 {
		return
	}
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
