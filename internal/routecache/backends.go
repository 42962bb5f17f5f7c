package routecache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"autoplan/internal/model"
	"autoplan/internal/store"
)

// StoreBackend keeps rows in the trip store's route_cache table.
type StoreBackend struct {
	Store store.Store
}

func (b StoreBackend) Get(ctx context.Context, key model.RouteKey, freshSince time.Time) (model.RouteCacheEntry, bool, error) {
	return b.Store.GetRouteCache(ctx, key, freshSince)
}

func (b StoreBackend) Put(ctx context.Context, e model.RouteCacheEntry) error {
	return b.Store.PutRouteCache(ctx, e)
}

// RedisBackend keeps one hash per key. The stored updated_at decides
// freshness; the key expiry only bounds memory.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
	expire time.Duration
}

func NewRedisBackend(rdb *redis.Client, prefix string, expire time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "autoplan:route"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, expire: expire}
}

// NewRedisBackendFromURL connects with a redis:// URL.
func NewRedisBackendFromURL(url string, expire time.Duration) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisBackend(redis.NewClient(opt), "", expire), nil
}

func (b *RedisBackend) key(k model.RouteKey) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", b.prefix, k.Profile, ff(k.SrcLat), ff(k.SrcLng), ff(k.DstLat), ff(k.DstLng))
}

func (b *RedisBackend) Get(ctx context.Context, key model.RouteKey, freshSince time.Time) (model.RouteCacheEntry, bool, error) {
	h, err := b.rdb.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return model.RouteCacheEntry{}, false, err
	}
	if len(h) == 0 {
		return model.RouteCacheEntry{}, false, nil
	}
	e := model.RouteCacheEntry{Key: key, Polyline: h["polyline"]}
	if e.DistanceM, err = strconv.ParseFloat(h["distance_m"], 64); err != nil {
		return model.RouteCacheEntry{}, false, fmt.Errorf("distance_m: %w", err)
	}
	if e.DurationS, err = strconv.ParseFloat(h["duration_s"], 64); err != nil {
		return model.RouteCacheEntry{}, false, fmt.Errorf("duration_s: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return model.RouteCacheEntry{}, false, fmt.Errorf("updated_at: %w", err)
	}
	if e.UpdatedAt.Before(freshSince) {
		return model.RouteCacheEntry{}, false, nil
	}
	return e, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, e model.RouteCacheEntry) error {
	k := b.key(e.Key)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]any{
		"distance_m": ff(e.DistanceM),
		"duration_s": ff(e.DurationS),
		"polyline":   e.Polyline,
		"updated_at": e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if b.expire > 0 {
		pipe.Expire(ctx, k, b.expire)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Close() error { return b.rdb.Close() }

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
