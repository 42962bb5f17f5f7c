// Package jobs carries task invocations from the beat to worker processes.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const DefaultQueue = "autoplan"

// Kwargs are the invocation arguments of a periodic task.
type Kwargs struct {
	Limit       int  `json:"limit" yaml:"limit"`
	OnlyMissing bool `json:"only_missing" yaml:"only_missing"`
}

type Job struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Kwargs     Kwargs    `json:"kwargs"`
	Queue      string    `json:"queue"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewJob stamps an id and enqueue time.
func NewJob(task string, kw Kwargs, queue string) Job {
	if queue == "" {
		queue = DefaultQueue
	}
	return Job{ID: uuid.New().String(), Task: task, Kwargs: kw, Queue: queue, EnqueuedAt: time.Now().UTC()}
}

var ErrQueueFull = errors.New("queue full")

type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	// Dequeue waits up to wait for a job. ok=false means none arrived.
	Dequeue(ctx context.Context, queue string, wait time.Duration) (j Job, ok bool, err error)
}

// MemoryQueue is an in-process queue for single-binary deployments and tests.
type MemoryQueue struct {
	mu    sync.Mutex
	size  int
	chans map[string]chan Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{size: size, chans: map[string]chan Job{}}
}

func (q *MemoryQueue) ch(name string) chan Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.chans[name]
	if !ok {
		c = make(chan Job, q.size)
		q.chans[name] = c
	}
	return c
}

func (q *MemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}
	select {
	case q.ch(j.Queue) <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (Job, bool, error) {
	c := q.ch(queue)
	if wait <= 0 {
		select {
		case j := <-c:
			return j, true, nil
		default:
			return Job{}, false, nil
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case j := <-c:
		return j, true, nil
	case <-t.C:
		return Job{}, false, nil
	case <-ctx.Done():
		return Job{}, false, ctx.Err()
	}
}

// Len is the number of jobs waiting on queue.
func (q *MemoryQueue) Len(queue string) int { return len(q.ch(queue)) }

// RedisQueue keeps one list per queue: LPUSH to enqueue, BRPOP to take.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "autoplan:queue:"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func NewRedisQueueFromURL(url string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisQueue(redis.NewClient(opt), ""), nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.prefix+j.Queue, data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (Job, bool, error) {
	if wait <= 0 {
		wait = time.Second
	}
	res, err := q.rdb.BRPop(ctx, wait, q.prefix+queue).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	// res is [key, value]
	var j Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }
