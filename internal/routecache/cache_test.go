package routecache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/model"
	"autoplan/internal/routing"
	"autoplan/internal/store"
)

var (
	now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a   = model.GeoPoint{Lat: 52.229701, Lng: 21.012201}
	b   = model.GeoPoint{Lat: 52.520001, Lng: 13.405001}
	osr = routing.Result{DistanceM: 572000, DurationS: 20100, Polyline: "abc", Backend: routing.BackendOSRM}
)

func newCache(ttl time.Duration) (*Cache, *store.Memory) {
	m := store.NewMemory()
	c := New(StoreBackend{Store: m}, Options{Enabled: true, TTL: ttl}, nil)
	c.Now = func() time.Time { return now }
	return c, m
}

func TestQuantizeCollapsesSubUnitDifferences(t *testing.T) {
	c, _ := newCache(0)
	ctx := context.Background()
	require.True(t, c.Put(ctx, a, b, "driving", osr))

	near := model.GeoPoint{Lat: a.Lat + 0.000001, Lng: a.Lng}
	got, ok := c.Get(ctx, near, b, "driving")
	require.True(t, ok)
	assert.Equal(t, osr.DistanceM, got.DistanceM)

	far := model.GeoPoint{Lat: a.Lat + 0.00002, Lng: a.Lng}
	_, ok = c.Get(ctx, far, b, "driving")
	assert.False(t, ok)

	_, ok = c.Get(ctx, a, b, "cycling")
	assert.False(t, ok)

	assert.Equal(t, 52.2297, Quantize(52.229701, 5))
	assert.Equal(t, KeyFor(a, b, "driving", 5), KeyFor(near, b, "driving", 5))
}

func TestTTLBoundary(t *testing.T) {
	ttl := 168 * time.Hour
	c, m := newCache(ttl)
	ctx := context.Background()
	key := KeyFor(a, b, "driving", DefaultPrecision)

	require.NoError(t, m.PutRouteCache(ctx, model.RouteCacheEntry{Key: key, DistanceM: 1, DurationS: 1, UpdatedAt: now.Add(-ttl - time.Second)}))
	_, ok := c.Get(ctx, a, b, "driving")
	assert.False(t, ok)

	require.NoError(t, m.PutRouteCache(ctx, model.RouteCacheEntry{Key: key, DistanceM: 1, DurationS: 1, UpdatedAt: now.Add(-ttl + time.Second)}))
	_, ok = c.Get(ctx, a, b, "driving")
	assert.True(t, ok)

	require.NoError(t, m.PutRouteCache(ctx, model.RouteCacheEntry{Key: key, DistanceM: 1, DurationS: 1, UpdatedAt: now.Add(-ttl)}))
	_, ok = c.Get(ctx, a, b, "driving")
	assert.True(t, ok)
}

func TestPutRefusesFallbackAndZero(t *testing.T) {
	c, _ := newCache(0)
	ctx := context.Background()
	assert.False(t, c.Put(ctx, a, b, "driving", routing.Fallback(a, b, 70)))
	assert.False(t, c.Put(ctx, a, b, "driving", routing.Result{DistanceM: 0, DurationS: 10, Backend: routing.BackendOSRM}))
	assert.False(t, c.Put(ctx, a, b, "driving", routing.Result{DistanceM: 10, DurationS: 0, Backend: routing.BackendOSRM}))
	_, ok := c.Get(ctx, a, b, "driving")
	assert.False(t, ok)
}

type stubRouter struct {
	res   routing.Result
	err   error
	calls int
}

func (s *stubRouter) Route(ctx context.Context, o, d model.GeoPoint, profile string) (routing.Result, error) {
	s.calls++
	return s.res, s.err
}

func TestLookupReadThrough(t *testing.T) {
	c, _ := newCache(0)
	ctx := context.Background()
	r := &stubRouter{res: osr}

	got, cached, err := c.Lookup(ctx, a, b, "driving", r)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, osr, got)

	got, cached, err = c.Lookup(ctx, a, b, "driving", r)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, osr.Polyline, got.Polyline)
	assert.Equal(t, 1, r.calls)
}

func TestLookupFallbackNeverCached(t *testing.T) {
	c, _ := newCache(0)
	ctx := context.Background()
	r := &stubRouter{res: routing.Fallback(a, b, 70)}

	got, _, err := c.Lookup(ctx, a, b, "driving", r)
	require.NoError(t, err)
	assert.True(t, got.IsFallback())
	_, ok := c.Get(ctx, a, b, "driving")
	assert.False(t, ok)
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, model.RouteKey, time.Time) (model.RouteCacheEntry, bool, error) {
	return model.RouteCacheEntry{}, false, errors.New("connection reset")
}

func (brokenBackend) Put(context.Context, model.RouteCacheEntry) error {
	return errors.New("connection reset")
}

func TestBackendErrorsAreSwallowed(t *testing.T) {
	c := New(brokenBackend{}, Options{Enabled: true}, nil)
	ctx := context.Background()
	_, ok := c.Get(ctx, a, b, "driving")
	assert.False(t, ok)
	assert.False(t, c.Put(ctx, a, b, "driving", osr))

	got, cached, err := c.Lookup(ctx, a, b, "driving", &stubRouter{res: osr})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, osr, got)
}

func TestDisabledCache(t *testing.T) {
	m := store.NewMemory()
	c := New(StoreBackend{Store: m}, Options{Enabled: false}, nil)
	assert.False(t, c.Put(context.Background(), a, b, "driving", osr))
	_, ok := c.Get(context.Background(), a, b, "driving")
	assert.False(t, ok)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	be := NewRedisBackend(rdb, "autoplan:test:"+now.Format("150405"), time.Minute)

	key := KeyFor(a, b, "driving", DefaultPrecision)
	ctx := context.Background()
	require.NoError(t, be.Put(ctx, model.RouteCacheEntry{Key: key, DistanceM: 10.5, DurationS: 3, Polyline: "p", UpdatedAt: now}))
	e, ok, err := be.Get(ctx, key, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.5, e.DistanceM)
	assert.Equal(t, "p", e.Polyline)

	_, ok, err = be.Get(ctx, key, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}
