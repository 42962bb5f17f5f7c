package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoplan/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seedAccept(t *testing.T, m *Memory, truck, key string, at time.Time) model.AuditRecord {
	t.Helper()
	recs, err := m.InsertAudits(context.Background(), []model.AuditRecord{{
		TruckID: truck, TripKey: key, Decision: model.DecisionAccept, PArrive: 0.6, RPM: 150, CreatedAt: at,
	}})
	require.NoError(t, err)
	return recs[0]
}

func draftFor(truck, key string) model.DraftTrip {
	return model.DraftTrip{TruckID: truck, TripKey: key, PArrive: 0.6, RPM: 150,
		Origin: model.GeoPoint{Lat: 52.2, Lng: 21.0}, Destination: model.GeoPoint{Lat: 52.5, Lng: 13.4},
		LoadStart: t0.Add(5 * time.Hour)}
}

func TestMemoryApplyReusesDraft(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a1 := seedAccept(t, m, "T1", "k1", t0)
	a2 := seedAccept(t, m, "T1", "k1", t0.Add(time.Minute))

	d1, ok, err := m.ApplyAudit(ctx, a1.ID, draftFor("T1", "k1"), t0)
	require.NoError(t, err)
	require.True(t, ok)

	upd := draftFor("T1", "k1")
	upd.PArrive = 0.9
	d2, ok, err := m.ApplyAudit(ctx, a2.ID, upd, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d1, d2)

	d, err := m.GetDraft(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, 0.9, d.PArrive)

	again, ok, err := m.ApplyAudit(ctx, a1.ID, upd, t0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, d1, again)

	_, _, err = m.ApplyAudit(ctx, "missing", upd, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPushLatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := seedAccept(t, m, "T1", "k1", t0)
	draftID, _, err := m.ApplyAudit(ctx, a.ID, draftFor("T1", "k1"), t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	ids := map[string]bool{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, claimed, err := m.PushDraft(ctx, draftID, model.Trip{TruckID: "T1", LoadStart: t0.Add(5 * time.Hour)},
				[]model.TripSegment{{Seq: 1}}, t0)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[id] = true
			if claimed {
				claims++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
	assert.Len(t, ids, 1)

	trips, err := m.RecentTrips(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, model.StatusDraft, trips[0].Status)
	segs, err := m.ListSegments(ctx, trips[0].ID)
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	pushable, err := m.ListPushableDrafts(ctx, t0, t0.Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pushable)
}

func TestMemoryTransitionTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := seedAccept(t, m, "T1", "k1", t0)
	draftID, _, _ := m.ApplyAudit(ctx, a.ID, draftFor("T1", "k1"), t0)
	tripID, _, err := m.PushDraft(ctx, draftID, model.Trip{TruckID: "T1"}, nil, t0)
	require.NoError(t, err)

	cur, ok, err := m.TransitionTrip(ctx, tripID, model.StatusConfirmed, model.StatusInProgress, t0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StatusDraft, cur.Status)

	_, _, err = m.TransitionTrip(ctx, "nope", model.StatusDraft, model.StatusConfirmed, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateSegmentRouteOnlyMissing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := seedAccept(t, m, "T1", "k1", t0)
	draftID, _, _ := m.ApplyAudit(ctx, a.ID, draftFor("T1", "k1"), t0)
	tripID, _, _ := m.PushDraft(ctx, draftID, model.Trip{TruckID: "T1"}, []model.TripSegment{{Seq: 1}}, t0)
	segs, _ := m.ListSegments(ctx, tripID)
	segID := segs[0].ID

	good := model.SegmentRoute{RoadKm: 500, DriveSec: 20000, Polyline: "abc", Backend: "osrm"}
	ok, err := m.UpdateSegmentRoute(ctx, segID, good, false, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.UpdateSegmentRoute(ctx, segID, model.SegmentRoute{RoadKm: 1, DriveSec: 1, Backend: "haversine"}, false, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.UpdateSegmentRoute(ctx, segID, model.SegmentRoute{RoadKm: 1, DriveSec: 1, Backend: "haversine"}, true, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	segs, _ = m.ListSegments(ctx, tripID)
	assert.Equal(t, "haversine", segs[0].RouteBackend)
}

func TestMemorySettlePasses(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// T1 has an unpushed draft for another key; its accept should link to it
	seed := seedAccept(t, m, "T1", "other", t0.Add(-time.Hour))
	draftID, _, err := m.ApplyAudit(ctx, seed.ID, draftFor("T1", "other"), t0.Add(-time.Hour))
	require.NoError(t, err)
	orphan := seedAccept(t, m, "T1", "k1", t0.Add(-30*time.Minute))
	stale := seedAccept(t, m, "T2", "k2", t0.Add(-10*time.Minute))
	fresh := seedAccept(t, m, "T3", "k3", t0.Add(-30*time.Second))
	old := seedAccept(t, m, "T4", "k4", t0.Add(-30*time.Hour))

	since := t0.Add(-6 * time.Hour)
	st, err := m.BacklogStats(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Unapplied)

	n, err := m.SettleLink(ctx, since, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := m.AuditSnapshot(orphan.ID)
	assert.True(t, got.Applied)
	assert.Equal(t, draftID, got.DraftID)
	assert.Equal(t, "linked: draft "+draftID, got.AppliedError)

	n, err = m.SettleAgeOut(ctx, since, t0.Add(-120*time.Second), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = m.AuditSnapshot(stale.ID)
	assert.Equal(t, "settled: aged tail", got.AppliedError)
	assert.Empty(t, got.DraftID)

	got, _ = m.AuditSnapshot(fresh.ID)
	assert.False(t, got.Applied)
	got, _ = m.AuditSnapshot(old.ID)
	assert.False(t, got.Applied)

	st, err = m.BacklogStats(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Unapplied)
	assert.Equal(t, 2, st.Annotated)
	require.NotNil(t, st.Oldest)
	assert.Equal(t, fresh.CreatedAt, *st.Oldest)
}

func TestMemoryRouteCacheFreshSince(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := model.RouteKey{SrcLat: 1, SrcLng: 2, DstLat: 3, DstLng: 4, Profile: "driving"}
	require.NoError(t, m.PutRouteCache(ctx, model.RouteCacheEntry{Key: key, DistanceM: 10, DurationS: 5, UpdatedAt: t0}))
	_, ok, _ := m.GetRouteCache(ctx, key, t0)
	assert.True(t, ok)
	_, ok, _ = m.GetRouteCache(ctx, key, t0.Add(time.Nanosecond))
	assert.False(t, ok)
}

func TestMemoryRuns(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.SaveRun(ctx, model.AutoplanRun{ID: "a", StartedAt: t0}))
	require.NoError(t, m.SaveRun(ctx, model.AutoplanRun{ID: "b", StartedAt: t0.Add(time.Minute)}))
	r, err := m.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", r.ID)
	_, err = m.GetRun(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)
}
