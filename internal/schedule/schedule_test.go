package schedule

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/jobs"
	"autoplan/internal/logger"
)

func chainEntry() Entry {
	return Entry{
		Name: "autoplan-chain", Task: "autoplan.run_chain",
		Schedule: Schedule{Minute: "*/5", Hour: "*"},
		Kwargs:   Kwargs{Limit: 100, OnlyMissing: true},
		Queue:    "autoplan",
	}
}

func TestScheduleSpec(t *testing.T) {
	assert.Equal(t, "*/5 * * * *", Schedule{Minute: "*/5"}.Spec())
	assert.Equal(t, "0 3 * * *", Schedule{Minute: "0", Hour: "3"}.Spec())
}

func TestSameJob(t *testing.T) {
	a := chainEntry()
	b := a
	b.Schedule.Minute = "*/10"
	assert.True(t, a.SameJob(b))
	assert.False(t, a.Same(b))

	b = a
	b.Kwargs.Limit = 5
	assert.False(t, a.SameJob(b))
	b = a
	b.Queue = "other"
	assert.False(t, a.SameJob(b))
	b = a
	b.Task = "autoplan.settle"
	assert.False(t, a.SameJob(b))
}

func TestAnchorOnConfigured(t *testing.T) {
	a := NewAnchor(chainEntry(), nil)
	cfg := &BeatConfig{}
	assert.True(t, a.OnConfigured(cfg))
	assert.False(t, a.OnConfigured(cfg))

	drift := chainEntry()
	drift.Kwargs.OnlyMissing = false
	cfg.Entries[drift.Name] = drift
	assert.True(t, a.OnConfigured(cfg))
	assert.Equal(t, chainEntry(), cfg.Entries["autoplan-chain"])
}

func TestAnchorOnBeatInitRewritesDrift(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	a := NewAnchor(chainEntry(), logger.NewWithWriter("schedule", &buf))
	tbl := NewMemoryTable()

	changed, err := a.OnBeatInit(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = a.OnBeatInit(ctx, tbl)
	require.NoError(t, err)
	assert.False(t, changed)

	drift := chainEntry()
	drift.Queue = "celery"
	require.NoError(t, tbl.Put(ctx, drift))
	changed, err = a.OnBeatInit(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, changed)
	got, ok, err := tbl.Get(ctx, "autoplan-chain")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "autoplan", got.Queue)
	assert.Contains(t, buf.String(), "drifted")
}

func TestDecodeEntries(t *testing.T) {
	yml := []byte(`
- name: settle
  task: autoplan.settle
  schedule: {minute: "*/15", hour: "*"}
  queue: autoplan
- name: routes
  task: autoplan.enrich_routes
  schedule: {minute: "7", hour: "*/2"}
  kwargs: {limit: 50, only_missing: true}
`)
	got, err := DecodeEntries(yml)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "*/15 * * * *", got[0].Schedule.Spec())
	assert.Equal(t, Kwargs{Limit: 50, OnlyMissing: true}, got[1].Kwargs)

	js := []byte(`[{"name":"x","task":"autoplan.settle","schedule":{"minute":"0","hour":"1"}}]`)
	got, err = DecodeEntries(js)
	require.NoError(t, err)
	assert.Equal(t, "0 1 * * *", got[0].Schedule.Spec())

	_, err = DecodeEntries([]byte(`[{"name":"x"}]`))
	assert.Error(t, err)

	out, err := EncodeEntries([]Entry{chainEntry()})
	require.NoError(t, err)
	back, err := DecodeEntries(out)
	require.NoError(t, err)
	assert.Equal(t, chainEntry(), back[0])
}

func TestBeatSyncAndFire(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	q := jobs.NewMemoryQueue(8)
	cfg := &BeatConfig{}
	a := NewAnchor(chainEntry(), nil)
	a.OnConfigured(cfg)
	cfg.Entries["settle"] = Entry{Name: "settle", Task: "autoplan.settle", Schedule: Schedule{Minute: "*/15"}, Queue: "autoplan"}
	require.NoError(t, Seed(ctx, tbl, cfg))

	b := NewBeat(tbl, q, a, nil, nil)
	require.NoError(t, b.Sync(ctx))
	assert.Len(t, b.Entries(), 2)

	tbl.Delete("settle")
	bad := Entry{Name: "bad", Task: "autoplan.settle", Schedule: Schedule{Minute: "99"}}
	require.NoError(t, tbl.Put(ctx, bad))
	require.NoError(t, b.Sync(ctx))
	got := b.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, "autoplan-chain", got[0].Name)

	require.NoError(t, b.Fire(ctx, chainEntry()))
	j, ok, err := q.Dequeue(ctx, "autoplan", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "autoplan.run_chain", j.Task)
	assert.Equal(t, 100, j.Kwargs.Limit)
}

func TestBeatStartReanchors(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable()
	b := NewBeat(tbl, jobs.NewMemoryQueue(1), NewAnchor(chainEntry(), nil), time.UTC, nil)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()
	_, ok, err := tbl.Get(ctx, "autoplan-chain")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, b.Entries(), 1)

	tbl.Delete("autoplan-chain")
	b.refresh(ctx)
	_, ok, _ = tbl.Get(ctx, "autoplan-chain")
	assert.True(t, ok)
	assert.Len(t, b.Entries(), 1)
}

type ctxQueue struct {
	jobs.Queue
	errs []error
}

func (q *ctxQueue) Enqueue(ctx context.Context, j jobs.Job) error {
	q.errs = append(q.errs, ctx.Err())
	return nil
}

func TestBeatStopCancelsInitialEntries(t *testing.T) {
	q := &ctxQueue{}
	b := NewBeat(NewMemoryTable(), q, NewAnchor(chainEntry(), nil), time.UTC, nil)
	require.NoError(t, b.Start(context.Background()))
	b.Stop()

	b.mu.Lock()
	cur, ok := b.running["autoplan-chain"]
	b.mu.Unlock()
	require.True(t, ok)
	b.cron.Entry(cur.id).Job.Run()
	require.Len(t, q.errs, 1)
	assert.ErrorIs(t, q.errs[0], context.Canceled)
}

func TestRedisTable(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	tbl, err := NewRedisTableFromURL(url)
	require.NoError(t, err)
	defer tbl.Close()
	tbl.key = "autoplan:test:beat:" + time.Now().Format("150405.000")
	ctx := context.Background()
	defer tbl.rdb.Del(ctx, tbl.key)

	a := NewAnchor(chainEntry(), nil)
	changed, err := a.OnBeatInit(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = a.OnBeatInit(ctx, tbl)
	require.NoError(t, err)
	assert.False(t, changed)
	all, err := tbl.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{chainEntry()}, all)
}
