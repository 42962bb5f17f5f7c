package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autoplan/internal/logger"
	"autoplan/internal/metrics"
)

// Handler runs one task invocation.
type Handler func(ctx context.Context, j Job) error

// Worker polls a queue and dispatches jobs to registered handlers. A failed
// job is logged and dropped; the next scheduled run retries the task.
type Worker struct {
	Queue      Queue
	Name       string
	Interval   time.Duration
	Batch      int
	JobTimeout time.Duration
	Log        logger.Logger
	Stop       chan struct{}

	mu       sync.RWMutex
	handlers map[string]Handler
	done     chan struct{}
}

func NewWorker(q Queue, name string, log logger.Logger) *Worker {
	if name == "" {
		name = DefaultQueue
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Worker{
		Queue: q, Name: name, Interval: time.Second, Batch: 10, JobTimeout: 10 * time.Minute,
		Log: log, Stop: make(chan struct{}), handlers: map[string]Handler{}, done: make(chan struct{}),
	}
}

func (w *Worker) Register(task string, h Handler) {
	w.mu.Lock()
	w.handlers[task] = h
	w.mu.Unlock()
}

// Has reports whether a handler is registered for task.
func (w *Worker) Has(task string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.handlers[task]
	return ok
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Wait blocks until the loop exits after Stop is closed.
func (w *Worker) Wait() { <-w.done }

func (w *Worker) processOnce() int {
	n := 0
	for i := 0; i < w.Batch; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.Interval+time.Second)
		j, ok, err := w.Queue.Dequeue(ctx, w.Name, w.Interval/2)
		cancel()
		if err != nil {
			w.Log.Warnf("dequeue %s: %v", w.Name, err)
			return n
		}
		if !ok {
			return n
		}
		w.run(j)
		n++
	}
	return n
}

func (w *Worker) run(j Job) {
	w.mu.RLock()
	h, ok := w.handlers[j.Task]
	w.mu.RUnlock()
	if !ok {
		w.Log.Warnf("job %s: no handler for task %q", j.ID, j.Task)
		metrics.JobsProcessed.WithLabelValues(j.Task, "unknown").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.JobTimeout)
	defer cancel()
	start := time.Now()
	err := safeCall(ctx, h, j)
	if err != nil {
		w.Log.Errorf("job %s %s failed after %s: %v", j.ID, j.Task, time.Since(start), err)
		metrics.JobsProcessed.WithLabelValues(j.Task, "failed").Inc()
		return
	}
	w.Log.Infof("job %s %s done in %s", j.ID, j.Task, time.Since(start))
	metrics.JobsProcessed.WithLabelValues(j.Task, "ok").Inc()
}

func safeCall(ctx context.Context, h Handler, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, j)
}
