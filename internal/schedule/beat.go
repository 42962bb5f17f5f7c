package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autoplan/internal/jobs"
	"autoplan/internal/logger"
)

type scheduled struct {
	id    cron.EntryID
	entry Entry
}

// Beat fires table entries into the job queue on their cron schedule. Once a
// minute it re-anchors and re-reads the table.
type Beat struct {
	Table  Table
	Queue  jobs.Queue
	Anchor *Anchor
	Log    logger.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running map[string]scheduled
	cancel  context.CancelFunc
}

func NewBeat(t Table, q jobs.Queue, a *Anchor, loc *time.Location, log logger.Logger) *Beat {
	if log == nil {
		log = logger.NopLogger{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Beat{
		Table: t, Queue: q, Anchor: a, Log: log,
		cron:    cron.New(cron.WithLocation(loc)),
		running: map[string]scheduled{},
	}
}

// Start anchors, registers every table entry and starts cron. Callbacks run
// under a context that Stop cancels.
func (b *Beat) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := b.start(ctx); err != nil {
		cancel()
		return err
	}
	b.cancel = cancel
	b.cron.Start()
	b.Log.Infof("beat started with %d entries", len(b.Entries()))
	return nil
}

func (b *Beat) start(ctx context.Context) error {
	if b.Anchor != nil {
		if _, err := b.Anchor.OnBeatInit(ctx, b.Table); err != nil {
			return err
		}
	}
	if err := b.Sync(ctx); err != nil {
		return err
	}
	_, err := b.cron.AddFunc("@every 1m", func() { b.refresh(ctx) })
	return err
}

// Stop halts firing and waits for running callbacks.
func (b *Beat) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.cron.Stop().Done()
}

func (b *Beat) refresh(ctx context.Context) {
	if b.Anchor != nil {
		if _, err := b.Anchor.OnBeatInit(ctx, b.Table); err != nil {
			b.Log.Warnf("re-anchor: %v", err)
		}
	}
	if err := b.Sync(ctx); err != nil {
		b.Log.Warnf("sync schedule: %v", err)
	}
}

// Sync reconciles cron registrations with the table.
func (b *Beat) Sync(ctx context.Context) error {
	entries, err := b.Table.List(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Name] = true
		if cur, ok := b.running[e.Name]; ok {
			if cur.entry.Same(e) {
				continue
			}
			b.cron.Remove(cur.id)
			delete(b.running, e.Name)
		}
		e := e
		id, err := b.cron.AddFunc(e.Schedule.Spec(), func() {
			if err := b.Fire(ctx, e); err != nil {
				b.Log.Errorf("fire %s: %v", e.Name, err)
			}
		})
		if err != nil {
			b.Log.Warnf("entry %s: bad schedule %q: %v", e.Name, e.Schedule.Spec(), err)
			continue
		}
		b.running[e.Name] = scheduled{id: id, entry: e}
	}
	for name, cur := range b.running {
		if !seen[name] {
			b.cron.Remove(cur.id)
			delete(b.running, name)
		}
	}
	return nil
}

// Fire enqueues one invocation of e.
func (b *Beat) Fire(ctx context.Context, e Entry) error {
	j := jobs.NewJob(e.Task, e.Kwargs, e.Queue)
	if err := b.Queue.Enqueue(ctx, j); err != nil {
		return err
	}
	b.Log.Debugw("fired", map[string]any{"entry": e.Name, "task": e.Task, "job": j.ID})
	return nil
}

// Entries lists what is currently registered with cron.
func (b *Beat) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.running))
	for _, s := range b.running {
		out = append(out, s.entry)
	}
	return out
}
