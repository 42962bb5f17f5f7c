package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/autoplan"
	"autoplan/internal/config"
	"autoplan/internal/schedule"
	"autoplan/internal/store"
)

func newApp(t *testing.T, mut func(*config.Config)) *App {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	if mut != nil {
		mut(cfg)
	}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewInMemory(t *testing.T) {
	a := newApp(t, nil)
	_, ok := a.Store.(*store.Memory)
	assert.True(t, ok)
	assert.False(t, a.Distributed())
	assert.Nil(t, a.Chain.Feed)
	assert.Equal(t, a.Cfg.Chain.Limit, a.Chain.Options().Limit)

	w := a.Worker()
	for _, task := range []string{autoplan.TaskRunChain, autoplan.TaskSettle, autoplan.TaskEnrichRoutes} {
		assert.True(t, w.Has(task), task)
	}
}

func TestBeatConfigAnchorsChainAndMergesExtra(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "beat.yaml")
	require.NoError(t, os.WriteFile(extra, []byte(`
- name: settle
  task: autoplan.settle
  schedule: {minute: "*/15"}
  queue: autoplan
- name: autoplan-chain
  task: autoplan.run_chain
  schedule: {minute: "0"}
  queue: elsewhere
`), 0o644))
	a := newApp(t, func(c *config.Config) {
		c.Schedule.ExtraFile = extra
		c.Feed.Path = dir
	})
	assert.NotNil(t, a.Chain.Feed)

	cfg, anchor, err := a.BeatConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Entries, 3)
	assert.Equal(t, anchor.Entry, cfg.Entries["autoplan-chain"])
	assert.Equal(t, "autoplan", cfg.Entries["autoplan-chain"].Queue)
	assert.Equal(t, "*/15 * * * *", cfg.Entries["settle"].Schedule.Spec())
	assert.NotContains(t, cfg.Entries, "autoplan-settle")
	assert.Contains(t, cfg.Entries, "autoplan-enrich-routes")

	b, err := a.Beat(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Sync(context.Background()))
	assert.Len(t, b.Entries(), 3)
}

func TestDefaultBeatSchedulesSettleAndEnrich(t *testing.T) {
	a := newApp(t, nil)
	cfg, _, err := a.BeatConfig()
	require.NoError(t, err)

	tasks := map[string]schedule.Entry{}
	for _, e := range cfg.Entries {
		tasks[e.Task] = e
	}
	require.Len(t, tasks, 3)
	assert.Contains(t, tasks, autoplan.TaskRunChain)
	assert.Equal(t, "*/10 * * * *", tasks[autoplan.TaskSettle].Schedule.Spec())
	assert.Equal(t, "*/15 * * * *", tasks[autoplan.TaskEnrichRoutes].Schedule.Spec())
	assert.Equal(t, a.Cfg.Schedule.Queue, tasks[autoplan.TaskSettle].Queue)

	a = newApp(t, func(c *config.Config) { c.Schedule.SettleMinute, c.Schedule.EnrichMinute = "", "" })
	cfg, _, err = a.BeatConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Entries, 1)
}
