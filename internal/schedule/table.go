package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Table is the scheduler's store of periodic entries.
type Table interface {
	Get(ctx context.Context, name string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
}

type MemoryTable struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryTable() *MemoryTable { return &MemoryTable{entries: map[string]Entry{}} }

func (t *MemoryTable) Get(_ context.Context, name string) (Entry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e, ok, nil
}

func (t *MemoryTable) Put(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.entries[e.Name] = e
	t.mu.Unlock()
	return nil
}

func (t *MemoryTable) Delete(name string) {
	t.mu.Lock()
	delete(t.entries, name)
	t.mu.Unlock()
}

func (t *MemoryTable) List(_ context.Context) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

const DefaultRedisKey = "autoplan:beat:entries"

// RedisTable stores entries as JSON values of one hash, keyed by name.
type RedisTable struct {
	rdb *redis.Client
	key string
}

func NewRedisTable(rdb *redis.Client, key string) *RedisTable {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisTable{rdb: rdb, key: key}
}

func NewRedisTableFromURL(url string) (*RedisTable, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisTable(redis.NewClient(opt), ""), nil
}

func (t *RedisTable) Get(ctx context.Context, name string) (Entry, bool, error) {
	raw, err := t.rdb.HGet(ctx, t.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (t *RedisTable) Put(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.rdb.HSet(ctx, t.key, e.Name, data).Err()
}

func (t *RedisTable) List(ctx context.Context) ([]Entry, error) {
	all, err := t.rdb.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for name, raw := range all {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *RedisTable) Close() error { return t.rdb.Close() }
