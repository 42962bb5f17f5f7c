package autoplan

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/metrics"
	"autoplan/internal/model"
	"autoplan/internal/store"
)

func newSettler(m store.Store) *Settler {
	s := NewSettler(m, nil)
	s.Now = clock
	return s
}

func insertAccepts(t *testing.T, m *store.Memory, truck string, ages ...time.Duration) []model.AuditRecord {
	t.Helper()
	recs := make([]model.AuditRecord, 0, len(ages))
	for i, age := range ages {
		recs = append(recs, model.AuditRecord{
			TruckID: truck, TripKey: truck + "-" + string(rune('a'+i)), Decision: model.DecisionAccept,
			PArrive: 0.6, RPM: 150, CreatedAt: now.Add(-age),
		})
	}
	out, err := m.InsertAudits(context.Background(), recs)
	require.NoError(t, err)
	return out
}

func TestSettleConverges(t *testing.T) {
	m := store.NewMemory()
	s := newSettler(m)
	ctx := context.Background()
	insertAccepts(t, m, "T1", 10*time.Minute, 20*time.Minute, 3*time.Hour)

	st, err := s.BacklogStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Unapplied)

	sum, err := s.Settle(ctx, SettleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Linked)
	assert.Equal(t, 3, sum.AgedOut)
	assert.Equal(t, 0, sum.Backlog.Unapplied)
	assert.Equal(t, 3, sum.Backlog.Annotated)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.AuditBacklog))

	again, err := s.Settle(ctx, SettleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Linked)
	assert.Equal(t, 0, again.AgedOut)
	assert.Equal(t, 0, again.Backlog.Unapplied)
}

func TestSettleLinksBeforeAgingOut(t *testing.T) {
	m := store.NewMemory()
	s := newSettler(m)
	ctx := context.Background()

	seed := insertAccepts(t, m, "T1", time.Hour)
	draftID, _, err := m.ApplyAudit(ctx, seed[0].ID, model.DraftTrip{TruckID: "T1", TripKey: seed[0].TripKey, LoadStart: now.Add(5 * time.Hour)}, now.Add(-time.Hour))
	require.NoError(t, err)
	orphans := insertAccepts(t, m, "T1", 30*time.Minute)
	fresh := insertAccepts(t, m, "T2", 30*time.Second)

	sum, err := s.Settle(ctx, SettleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Linked)
	assert.Equal(t, 0, sum.AgedOut)
	assert.Equal(t, 1, sum.Backlog.Unapplied)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.AuditBacklog))

	got, _ := m.AuditSnapshot(orphans[0].ID)
	assert.Equal(t, draftID, got.DraftID)
	assert.True(t, store.IsInformational(got.AppliedError))

	got, _ = m.AuditSnapshot(fresh[0].ID)
	assert.False(t, got.Applied)
}

func TestSettleWindowBounds(t *testing.T) {
	assert.Equal(t, DefaultSettleWindow, SettleOptions{}.Normalize().Window)
	assert.Equal(t, MaxSettleWindow, SettleOptions{Window: 72 * time.Hour}.Normalize().Window)
	assert.Equal(t, DefaultSettleStale, SettleOptions{}.Normalize().Stale)

	m := store.NewMemory()
	s := newSettler(m)
	insertAccepts(t, m, "T1", 30*time.Hour, 12*time.Hour)

	sum, err := s.Settle(context.Background(), SettleOptions{Window: 72 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AgedOut)
	assert.Equal(t, now.Add(-24*time.Hour), sum.Since)
}
