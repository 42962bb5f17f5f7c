package autoplan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/jobs"
	"autoplan/internal/model"
	"autoplan/internal/routing"
	"autoplan/internal/store"
)

func TestTasksRunChainConfirmsAndSavesRun(t *testing.T) {
	m := store.NewMemory()
	e := NewEnricher(m, nil, routing.NewProvider(routing.Options{}, nil), "", nil)
	e.Now = clock
	c := newChain(m, e)
	ctx := context.Background()
	_, err := c.Audit(ctx, []model.Candidate{candidate("T1", "K1", 0.6, 150, 5*time.Hour)})
	require.NoError(t, err)

	tasks := Tasks{Chain: c, Enricher: e}
	require.NoError(t, tasks.RunChain(ctx, jobs.NewJob(TaskRunChain, jobs.Kwargs{Limit: 10, OnlyMissing: true}, "")))

	run, err := m.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Confirm.Confirmed)

	trips, err := m.ListTripsByStatus(ctx, model.StatusConfirmed, 10)
	require.NoError(t, err)
	require.Len(t, trips, 1)
}

func TestTasksRegisterSkipsMissingDeps(t *testing.T) {
	w := jobs.NewWorker(jobs.NewMemoryQueue(4), "", nil)
	Tasks{Settler: NewSettler(store.NewMemory(), nil)}.Register(w)
	assert.True(t, w.Has(TaskSettle))
	assert.False(t, w.Has(TaskRunChain))
	assert.False(t, w.Has(TaskEnrichRoutes))
}

func TestTasksSettle(t *testing.T) {
	m := store.NewMemory()
	s := newSettler(m)
	insertAccepts(t, m, "T1", time.Hour)
	require.NoError(t, Tasks{Settler: s}.RunSettle(context.Background(), jobs.Job{}))
	st, err := s.BacklogStats(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Unapplied)
}
