// Package routecache keeps provider route results keyed by quantized
// origin/destination pairs so repeated enrichment does not re-query the
// routing service.
package routecache

import (
	"context"
	"math"
	"time"

	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/model"
	"autoplan/internal/routing"
)

const (
	DefaultPrecision = 5
	DefaultTTL       = 168 * time.Hour
)

// Backend stores cache rows. freshSince is applied in the same read.
type Backend interface {
	Get(ctx context.Context, key model.RouteKey, freshSince time.Time) (model.RouteCacheEntry, bool, error)
	Put(ctx context.Context, e model.RouteCacheEntry) error
}

type Options struct {
	Enabled   bool
	TTL       time.Duration
	Precision int
}

type Cache struct {
	backend Backend
	opts    Options
	log     logger.Logger
	Now     func() time.Time
}

func New(b Backend, opts Options, log logger.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Precision <= 0 {
		opts.Precision = DefaultPrecision
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if b == nil {
		opts.Enabled = false
	}
	return &Cache{backend: b, opts: opts, log: log, Now: func() time.Time { return time.Now().UTC() }}
}

// Quantize rounds v to precision decimal digits.
func Quantize(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}

func KeyFor(origin, destination model.GeoPoint, profile string, precision int) model.RouteKey {
	return model.RouteKey{
		SrcLat:  Quantize(origin.Lat, precision),
		SrcLng:  Quantize(origin.Lng, precision),
		DstLat:  Quantize(destination.Lat, precision),
		DstLng:  Quantize(destination.Lng, precision),
		Profile: profile,
	}
}

// Get returns the cached route when one exists and is at most TTL old.
// Backend errors count as a miss.
func (c *Cache) Get(ctx context.Context, origin, destination model.GeoPoint, profile string) (routing.Result, bool) {
	if !c.opts.Enabled {
		return routing.Result{}, false
	}
	key := KeyFor(origin, destination, profile, c.opts.Precision)
	e, ok, err := c.backend.Get(ctx, key, c.Now().Add(-c.opts.TTL))
	if err != nil {
		c.log.Warnf("route cache get %+v: %v", key, err)
		metrics.RouteCacheLookups.WithLabelValues("error").Inc()
		return routing.Result{}, false
	}
	if !ok {
		metrics.RouteCacheLookups.WithLabelValues("miss").Inc()
		return routing.Result{}, false
	}
	metrics.RouteCacheLookups.WithLabelValues("hit").Inc()
	return routing.Result{DistanceM: e.DistanceM, DurationS: e.DurationS, Polyline: e.Polyline, Backend: routing.BackendOSRM}, true
}

// Put stores r unless it is degenerate or estimated. It reports whether a
// row was written; failures are logged here and never returned.
func (c *Cache) Put(ctx context.Context, origin, destination model.GeoPoint, profile string, r routing.Result) bool {
	if !c.opts.Enabled || r.IsFallback() || r.DistanceM <= 0 || r.DurationS <= 0 {
		return false
	}
	e := model.RouteCacheEntry{
		Key:       KeyFor(origin, destination, profile, c.opts.Precision),
		DistanceM: r.DistanceM,
		DurationS: r.DurationS,
		Polyline:  r.Polyline,
		UpdatedAt: c.Now(),
	}
	if err := c.backend.Put(ctx, e); err != nil {
		c.log.Warnf("route cache put %+v: %v", e.Key, err)
		return false
	}
	return true
}

// Lookup is the read-through path used by enrichment: cache, then provider,
// then cache write for real provider results.
func (c *Cache) Lookup(ctx context.Context, origin, destination model.GeoPoint, profile string, router routing.Router) (routing.Result, bool, error) {
	if r, ok := c.Get(ctx, origin, destination, profile); ok {
		return r, true, nil
	}
	r, err := router.Route(ctx, origin, destination, profile)
	if err != nil {
		return routing.Result{}, false, err
	}
	c.Put(ctx, origin, destination, profile, r)
	return r, false, nil
}
