package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoplan/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set and in
// tests. A single mutex makes every method one atomic step, which is the
// in-process equivalent of the conditional updates in Postgres.
type Memory struct {
	mu       sync.Mutex
	audits   map[string]*model.AuditRecord    // id -> audit
	auditSeq []string                         // insertion order
	drafts   map[string]*model.DraftTrip      // id -> draft
	draftKey map[string]string                // truck|tripKey -> draft id
	trips    map[string]*model.Trip           // id -> trip
	segs     map[string][]*model.TripSegment  // trip id -> segments by seq
	segByID  map[string]*model.TripSegment    // segment id -> segment
	routes   map[model.RouteKey]model.RouteCacheEntry
	runs     map[string]model.AutoplanRun
	runSeq   []string
}

func NewMemory() *Memory {
	return &Memory{
		audits:   map[string]*model.AuditRecord{},
		drafts:   map[string]*model.DraftTrip{},
		draftKey: map[string]string{},
		trips:    map[string]*model.Trip{},
		segs:     map[string][]*model.TripSegment{},
		segByID:  map[string]*model.TripSegment{},
		routes:   map[model.RouteKey]model.RouteCacheEntry{},
		runs:     map[string]model.AutoplanRun{},
	}
}

func draftKeyOf(truckID, tripKey string) string { return truckID + "|" + tripKey }

func (m *Memory) InsertAudits(ctx context.Context, recs []model.AuditRecord) ([]model.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditRecord, 0, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		r.Applied, r.AppliedAt, r.AppliedError, r.DraftID = false, nil, "", ""
		rec := r
		m.audits[r.ID] = &rec
		m.auditSeq = append(m.auditSeq, r.ID)
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) ListUnappliedAccepts(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.AuditRecord{}
	for _, id := range m.auditSeq {
		a := m.audits[id]
		if a.Decision == model.DecisionAccept && !a.Applied {
			out = append(out, *a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ApplyAudit(ctx context.Context, auditID string, draft model.DraftTrip, now time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.audits[auditID]
	if !ok {
		return "", false, ErrNotFound
	}
	if a.Applied {
		return a.DraftID, false, nil
	}
	k := draftKeyOf(draft.TruckID, draft.TripKey)
	id, exists := m.draftKey[k]
	if exists {
		d := m.drafts[id]
		if !d.Pushed {
			d.PArrive, d.RPM = draft.PArrive, draft.RPM
		}
	} else {
		draft.ID = uuid.New().String()
		draft.CreatedAt = now
		draft.Pushed, draft.PushedAt, draft.TripID = false, nil, ""
		d := draft
		m.drafts[d.ID] = &d
		m.draftKey[k] = d.ID
		id = d.ID
	}
	t := now
	a.Applied, a.AppliedAt, a.DraftID, a.AppliedError = true, &t, id, ""
	return id, true, nil
}

func (m *Memory) GetDraft(ctx context.Context, id string) (model.DraftTrip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return model.DraftTrip{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) ListPushableDrafts(ctx context.Context, from, to time.Time, limit int) ([]model.DraftTrip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.DraftTrip{}
	for _, d := range m.drafts {
		if d.Pushed || d.LoadStart.Before(from) || d.LoadStart.After(to) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadStart.Before(out[j].LoadStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PushDraft(ctx context.Context, draftID string, trip model.Trip, segs []model.TripSegment, now time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return "", false, ErrNotFound
	}
	if d.Pushed {
		return d.TripID, false, nil
	}
	t := now
	d.Pushed, d.PushedAt = true, &t
	trip.ID = uuid.New().String()
	trip.DraftID = draftID
	trip.Status = model.StatusDraft
	trip.CreatedAt = now
	tp := trip
	m.trips[trip.ID] = &tp
	for _, s := range segs {
		s.ID = uuid.New().String()
		s.TripID = trip.ID
		sp := s
		m.segs[trip.ID] = append(m.segs[trip.ID], &sp)
		m.segByID[s.ID] = &sp
	}
	sort.Slice(m.segs[trip.ID], func(i, j int) bool { return m.segs[trip.ID][i].Seq < m.segs[trip.ID][j].Seq })
	d.TripID = trip.ID
	return trip.ID, true, nil
}

func (m *Memory) RecentRPMs(ctx context.Context, since time.Time) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []float64{}
	for _, d := range m.drafts {
		if d.RPM > 0 && !d.CreatedAt.Before(since) {
			out = append(out, d.RPM)
		}
	}
	return out, nil
}

func (m *Memory) GetTrip(ctx context.Context, id string) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return model.Trip{}, ErrNotFound
	}
	return *t, nil
}

func (m *Memory) ListTripsByStatus(ctx context.Context, status model.TripStatus, limit int) ([]model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.Trip{}
	for _, t := range m.trips {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadStart.Before(out[j].LoadStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecentTrips(ctx context.Context, limit int) ([]model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := make([]model.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ConfirmTrip(ctx context.Context, id string, crit model.ConfirmCriteria, decision model.ConfirmationDecision, now time.Time) (model.Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return model.Trip{}, false, nil
	}
	d := m.drafts[t.DraftID]
	if !crit.Matches(*t, d) {
		return model.Trip{}, false, nil
	}
	ts := now
	t.Status = model.StatusConfirmed
	t.ConfirmedAt = &ts
	decision.PArrive, decision.RPM, decision.DraftID, decision.DecidedAt = d.PArrive, d.RPM, d.ID, now
	t.Meta.Confirmation = &decision
	return *t, true, nil
}

func (m *Memory) TransitionTrip(ctx context.Context, id string, from, to model.TripStatus, now time.Time) (model.Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return model.Trip{}, false, ErrNotFound
	}
	if t.Status != from {
		return *t, false, nil
	}
	ts := now
	t.Status = to
	switch to {
	case model.StatusInProgress:
		t.StartedAt = &ts
	case model.StatusFinished:
		t.FinishedAt = &ts
	}
	return *t, true, nil
}

func (m *Memory) SetTripEnrichment(ctx context.Context, id string, note model.EnrichmentNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	n := note
	t.Meta.Enrichment = &n
	return nil
}

func (m *Memory) ListTripsNeedingRoutes(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var cands []*model.Trip
	for id, t := range m.trips {
		if t.Status != model.StatusConfirmed && t.Status != model.StatusInProgress {
			continue
		}
		for _, s := range m.segs[id] {
			if s.NeedsRoute() {
				cands = append(cands, t)
				break
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].LoadStart.Before(cands[j].LoadStart) })
	out := []string{}
	for _, t := range cands {
		if len(out) == limit {
			break
		}
		out = append(out, t.ID)
	}
	return out, nil
}

func (m *Memory) ListSegments(ctx context.Context, tripID string) ([]model.TripSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.TripSegment{}
	for _, s := range m.segs[tripID] {
		out = append(out, *s)
	}
	return out, nil
}

func (m *Memory) UpdateSegmentRoute(ctx context.Context, segmentID string, r model.SegmentRoute, force bool, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segByID[segmentID]
	if !ok {
		return false, ErrNotFound
	}
	if !force && !s.NeedsRoute() {
		return false, nil
	}
	ts := now
	s.RoadKm, s.DriveSec, s.Polyline, s.RouteBackend, s.UpdatedAt = r.RoadKm, r.DriveSec, r.Polyline, r.Backend, &ts
	return true, nil
}

func (m *Memory) SettleLink(ctx context.Context, since, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.auditSeq {
		a := m.audits[id]
		if a.Decision != model.DecisionAccept || a.Applied || a.CreatedAt.Before(since) {
			continue
		}
		d := m.linkableDraft(a)
		if d == nil {
			continue
		}
		t := now
		a.Applied, a.AppliedAt, a.DraftID, a.AppliedError = true, &t, d.ID, noteLinkPrefix+d.ID
		n++
	}
	return n, nil
}

// linkableDraft prefers an unpushed draft for the same trip key, then the
// newest unpushed draft of the truck.
func (m *Memory) linkableDraft(a *model.AuditRecord) *model.DraftTrip {
	var best *model.DraftTrip
	for _, d := range m.drafts {
		if d.TruckID != a.TruckID || d.Pushed {
			continue
		}
		if best == nil {
			best = d
			continue
		}
		bestSame, same := best.TripKey == a.TripKey, d.TripKey == a.TripKey
		if same && !bestSame || same == bestSame && d.CreatedAt.After(best.CreatedAt) {
			best = d
		}
	}
	return best
}

func (m *Memory) SettleAgeOut(ctx context.Context, since, staleBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.auditSeq {
		a := m.audits[id]
		if a.Decision != model.DecisionAccept || a.Applied || a.CreatedAt.Before(since) || a.CreatedAt.After(staleBefore) {
			continue
		}
		t := now
		a.Applied, a.AppliedAt, a.DraftID, a.AppliedError = true, &t, "", noteAgedTail
		n++
	}
	return n, nil
}

func (m *Memory) BacklogStats(ctx context.Context, since time.Time) (model.BacklogStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := model.BacklogStats{Since: since}
	for _, id := range m.auditSeq {
		a := m.audits[id]
		if a.Decision != model.DecisionAccept || a.CreatedAt.Before(since) {
			continue
		}
		if IsInformational(a.AppliedError) {
			st.Annotated++
			continue
		}
		if a.Applied {
			continue
		}
		st.Unapplied++
		if st.Oldest == nil || a.CreatedAt.Before(*st.Oldest) {
			c := a.CreatedAt
			st.Oldest = &c
		}
	}
	return st, nil
}

func (m *Memory) GetRouteCache(ctx context.Context, key model.RouteKey, freshSince time.Time) (model.RouteCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.routes[key]
	if !ok || e.UpdatedAt.Before(freshSince) {
		return model.RouteCacheEntry{}, false, nil
	}
	return e, true, nil
}

func (m *Memory) PutRouteCache(ctx context.Context, e model.RouteCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[e.Key] = e
	return nil
}

func (m *Memory) SaveRun(ctx context.Context, run model.AutoplanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.runSeq = append(m.runSeq, run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) LatestRun(ctx context.Context) (model.AutoplanRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest model.AutoplanRun
	found := false
	for _, id := range m.runSeq {
		r := m.runs[id]
		if !found || r.StartedAt.After(latest.StartedAt) {
			latest, found = r, true
		}
	}
	if !found {
		return model.AutoplanRun{}, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (model.AutoplanRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.AutoplanRun{}, ErrNotFound
	}
	return r, nil
}

// AuditSnapshot returns a copy of one audit row; used by tests and the CLI.
func (m *Memory) AuditSnapshot(id string) (model.AuditRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.audits[id]
	if !ok {
		return model.AuditRecord{}, false
	}
	return *a, true
}
