package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"autoplan/internal/model"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	db          *sql.DB
	stmtTimeout time.Duration
}

// NewPostgres opens the pool. stmtTimeout bounds every statement and lock
// wait inside store transactions; zero leaves server defaults.
func NewPostgres(dsn string, stmtTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, stmtTimeout: stmtTimeout}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if ms := p.stmtTimeout.Milliseconds(); ms > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Audits

func (p *Postgres) InsertAudits(ctx context.Context, recs []model.AuditRecord) ([]model.AuditRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]model.AuditRecord, 0, len(recs))
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now().UTC()
			}
			cand, err := json.Marshal(r.Candidate)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO audit_records (id, truck_id, trip_key, decision, p_arrive, rpm, candidate, applied, created_at)
                VALUES ($1,$2,$3,$4,$5,$6,$7,false,$8)`,
				r.ID, r.TruckID, r.TripKey, string(r.Decision), r.PArrive, r.RPM, string(cand), r.CreatedAt)
			if err != nil {
				return err
			}
			r.Applied, r.AppliedAt, r.AppliedError, r.DraftID = false, nil, "", ""
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListUnappliedAccepts(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, truck_id, trip_key, decision, COALESCE(p_arrive,0), COALESCE(rpm,0), candidate, created_at
        FROM audit_records WHERE decision='accept' AND applied=false ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AuditRecord{}
	for rows.Next() {
		var a model.AuditRecord
		var dec string
		var cand []byte
		if err := rows.Scan(&a.ID, &a.TruckID, &a.TripKey, &dec, &a.PArrive, &a.RPM, &cand, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Decision = model.Decision(dec)
		if len(cand) > 0 {
			if err := json.Unmarshal(cand, &a.Candidate); err != nil {
				return nil, fmt.Errorf("audit %s candidate: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ApplyAudit(ctx context.Context, auditID string, draft model.DraftTrip, now time.Time) (string, bool, error) {
	if !validID(auditID) {
		return "", false, ErrNotFound
	}
	var draftID string
	applied := false
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var already bool
		var linked sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT applied, draft_id::text FROM audit_records WHERE id=$1 FOR UPDATE`, auditID).Scan(&already, &linked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if already {
			draftID = linked.String
			return nil
		}
		// reuse an existing draft for the same truck and trip; scores refresh
		// only while it has not been pushed
		err = tx.QueryRowContext(ctx, `INSERT INTO draft_trips (id, truck_id, trip_key, p_arrive, rpm, origin_lat, origin_lng, dest_lat, dest_lng,
                truck_lat, truck_lng, load_start, load_end, unload_start, unload_end, price, region_origin, region_dest, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
            ON CONFLICT (truck_id, trip_key) DO UPDATE SET p_arrive=EXCLUDED.p_arrive, rpm=EXCLUDED.rpm
            WHERE draft_trips.pushed = false
            RETURNING id::text`,
			uuid.New(), draft.TruckID, draft.TripKey, draft.PArrive, draft.RPM,
			draft.Origin.Lat, draft.Origin.Lng, draft.Destination.Lat, draft.Destination.Lng,
			latOf(draft.TruckPos), lngOf(draft.TruckPos),
			draft.LoadStart, nullTime(draft.LoadEnd), nullTime(draft.UnloadStart), nullTime(draft.UnloadEnd),
			nullFloat(draft.Price), regionOrigin(draft.Region), regionDest(draft.Region), now).Scan(&draftID)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx, `SELECT id::text FROM draft_trips WHERE truck_id=$1 AND trip_key=$2`, draft.TruckID, draft.TripKey).Scan(&draftID)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE audit_records SET applied=true, applied_at=$2, draft_id=$3, applied_error=NULL WHERE id=$1 AND applied=false`, auditID, now, draftID)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return draftID, applied, nil
}

// Drafts

const draftCols = `id::text, truck_id, trip_key, p_arrive, rpm, origin_lat, origin_lng, dest_lat, dest_lng, truck_lat, truck_lng,
    load_start, load_end, unload_start, unload_end, price, COALESCE(region_origin,''), COALESCE(region_dest,''), pushed, pushed_at, COALESCE(trip_id::text,''), created_at`

func scanDraft(sc interface{ Scan(...any) error }) (model.DraftTrip, error) {
	var d model.DraftTrip
	var tLat, tLng, price sql.NullFloat64
	var le, us, ue, pushedAt sql.NullTime
	var ro, rd string
	err := sc.Scan(&d.ID, &d.TruckID, &d.TripKey, &d.PArrive, &d.RPM, &d.Origin.Lat, &d.Origin.Lng, &d.Destination.Lat, &d.Destination.Lng,
		&tLat, &tLng, &d.LoadStart, &le, &us, &ue, &price, &ro, &rd, &d.Pushed, &pushedAt, &d.TripID, &d.CreatedAt)
	if err != nil {
		return d, err
	}
	if tLat.Valid && tLng.Valid {
		d.TruckPos = &model.GeoPoint{Lat: tLat.Float64, Lng: tLng.Float64}
	}
	d.LoadEnd, d.UnloadStart, d.UnloadEnd = le.Time, us.Time, ue.Time
	if price.Valid {
		v := price.Float64
		d.Price = &v
	}
	if ro != "" || rd != "" {
		d.Region = &model.RegionInfo{Origin: ro, Destination: rd}
	}
	if pushedAt.Valid {
		t := pushedAt.Time
		d.PushedAt = &t
	}
	return d, nil
}

func (p *Postgres) GetDraft(ctx context.Context, id string) (model.DraftTrip, error) {
	if !validID(id) {
		return model.DraftTrip{}, ErrNotFound
	}
	d, err := scanDraft(p.db.QueryRowContext(ctx, `SELECT `+draftCols+` FROM draft_trips WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (p *Postgres) ListPushableDrafts(ctx context.Context, from, to time.Time, limit int) ([]model.DraftTrip, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+draftCols+` FROM draft_trips
        WHERE pushed=false AND load_start >= $1 AND load_start <= $2 ORDER BY load_start LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DraftTrip{}
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) PushDraft(ctx context.Context, draftID string, trip model.Trip, segs []model.TripSegment, now time.Time) (string, bool, error) {
	if !validID(draftID) {
		return "", false, ErrNotFound
	}
	var tripID string
	claimed := false
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE draft_trips SET pushed=true, pushed_at=$2 WHERE id=$1 AND pushed=false`, draftID, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err := tx.QueryRowContext(ctx, `SELECT COALESCE(trip_id::text,'') FROM draft_trips WHERE id=$1`, draftID).Scan(&tripID)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		tripID = uuid.New().String()
		meta, err := json.Marshal(trip.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO trips (id, truck_id, draft_id, status, load_start, load_end, unload_start, unload_end, meta, created_at)
            VALUES ($1,$2,$3,'draft',$4,$5,$6,$7,$8,$9)`,
			tripID, trip.TruckID, draftID, trip.LoadStart, nullTime(trip.LoadEnd), nullTime(trip.UnloadStart), nullTime(trip.UnloadEnd), string(meta), now)
		if err != nil {
			return err
		}
		for _, s := range segs {
			attrs, err := attrsJSON(s.Attrs)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO trip_segments (id, trip_id, seq, start_lat, start_lng, end_lat, end_lng, attrs)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				uuid.New(), tripID, s.Seq, latOf(s.Start), lngOf(s.Start), latOf(s.End), lngOf(s.End), attrs)
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE draft_trips SET trip_id=$2 WHERE id=$1`, draftID, tripID); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return tripID, claimed, nil
}

func (p *Postgres) RecentRPMs(ctx context.Context, since time.Time) ([]float64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT rpm FROM draft_trips WHERE created_at >= $1 AND rpm > 0`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []float64{}
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Trips

func tripCols(alias string) string {
	a := ""
	if alias != "" {
		a = alias + "."
	}
	return a + "id::text, " + a + "truck_id, COALESCE(" + a + "draft_id::text,''), " + a + "status, " + a + "load_start, " +
		a + "load_end, " + a + "unload_start, " + a + "unload_end, " + a + "meta, " + a + "confirmed_at, " +
		a + "started_at, " + a + "finished_at, " + a + "created_at"
}

func scanTrip(sc interface{ Scan(...any) error }) (model.Trip, error) {
	var t model.Trip
	var status string
	var le, us, ue, ca, sa, fa sql.NullTime
	var meta []byte
	if err := sc.Scan(&t.ID, &t.TruckID, &t.DraftID, &status, &t.LoadStart, &le, &us, &ue, &meta, &ca, &sa, &fa, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Status = model.TripStatus(status)
	t.LoadEnd, t.UnloadStart, t.UnloadEnd = le.Time, us.Time, ue.Time
	t.ConfirmedAt, t.StartedAt, t.FinishedAt = timePtr(ca), timePtr(sa), timePtr(fa)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Meta); err != nil {
			return t, fmt.Errorf("trip %s meta: %w", t.ID, err)
		}
	}
	return t, nil
}

func (p *Postgres) GetTrip(ctx context.Context, id string) (model.Trip, error) {
	if !validID(id) {
		return model.Trip{}, ErrNotFound
	}
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripCols("")+` FROM trips WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (p *Postgres) queryTrips(ctx context.Context, q string, args ...any) ([]model.Trip, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTripsByStatus(ctx context.Context, status model.TripStatus, limit int) ([]model.Trip, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryTrips(ctx, `SELECT `+tripCols("")+` FROM trips WHERE status=$1 ORDER BY load_start LIMIT $2`, string(status), limit)
}

func (p *Postgres) RecentTrips(ctx context.Context, limit int) ([]model.Trip, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return p.queryTrips(ctx, `SELECT `+tripCols("")+` FROM trips ORDER BY created_at DESC LIMIT $1`, limit)
}

// ConfirmTrip evaluates the whole predicate inside the UPDATE's WHERE clause.
// A concurrent confirm blocks on the row lock and then re-checks status, so
// at most one caller sees a returned row.
func (p *Postgres) ConfirmTrip(ctx context.Context, id string, crit model.ConfirmCriteria, decision model.ConfirmationDecision, now time.Time) (model.Trip, bool, error) {
	if !validID(id) {
		return model.Trip{}, false, nil
	}
	decision.DecidedAt = now
	dec, err := json.Marshal(decision)
	if err != nil {
		return model.Trip{}, false, err
	}
	var trip model.Trip
	confirmed := false
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx, `UPDATE trips t SET status='confirmed', confirmed_at=$7,
                meta = COALESCE(t.meta,'{}'::jsonb) || jsonb_build_object('confirmation_decision',
                    $8::jsonb || jsonb_build_object('p_arrive', d.p_arrive, 'rpm', d.rpm, 'draft_id', d.id::text))
            FROM draft_trips d
            WHERE t.id=$1 AND d.id=t.draft_id AND t.status = ANY($2)
              AND t.confirmed_at IS NULL AND t.status NOT IN ('confirmed','in_progress','finished','error')
              AND t.load_start >= $3 AND t.load_start <= $4
              AND d.p_arrive >= $5 AND d.rpm >= $6
            RETURNING `+tripCols("t"),
			id, crit.StatusStrings(), crit.WindowStart, crit.WindowEnd, crit.PMin, crit.RPMMin, now, string(dec)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		trip, confirmed = t, true
		return nil
	})
	if err != nil {
		return model.Trip{}, false, err
	}
	return trip, confirmed, nil
}

func (p *Postgres) TransitionTrip(ctx context.Context, id string, from, to model.TripStatus, now time.Time) (model.Trip, bool, error) {
	if !validID(id) {
		return model.Trip{}, false, ErrNotFound
	}
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips SET status=$3::text,
            started_at = CASE WHEN $3::text = 'in_progress' THEN $4 ELSE started_at END,
            finished_at = CASE WHEN $3::text = 'finished' THEN $4 ELSE finished_at END
        WHERE id=$1 AND status=$2 RETURNING `+tripCols(""), id, string(from), string(to), now))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetTrip(ctx, id)
		if gerr != nil {
			return model.Trip{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return model.Trip{}, false, err
	}
	return t, true, nil
}

func (p *Postgres) SetTripEnrichment(ctx context.Context, id string, note model.EnrichmentNote) error {
	if !validID(id) {
		return ErrNotFound
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET meta = COALESCE(meta,'{}'::jsonb) || jsonb_build_object('enrichment', $2::jsonb) WHERE id=$1`, id, string(b))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListTripsNeedingRoutes(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT t.id::text FROM trips t
        WHERE t.status IN ('confirmed','in_progress') AND EXISTS (
            SELECT 1 FROM trip_segments s WHERE s.trip_id = t.id
              AND COALESCE(s.route_backend,'') IN ('','haversine')
              AND (COALESCE(s.road_km,0) <= 0 OR COALESCE(s.drive_sec,0) <= 0 OR COALESCE(s.polyline,'') = ''))
        ORDER BY t.load_start LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Segments

func (p *Postgres) ListSegments(ctx context.Context, tripID string) ([]model.TripSegment, error) {
	if !validID(tripID) {
		return []model.TripSegment{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, trip_id::text, seq, start_lat, start_lng, end_lat, end_lng, attrs,
            COALESCE(road_km,0), COALESCE(drive_sec,0), COALESCE(polyline,''), COALESCE(route_backend,''), updated_at
        FROM trip_segments WHERE trip_id=$1 ORDER BY seq`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TripSegment{}
	for rows.Next() {
		var s model.TripSegment
		var sLat, sLng, eLat, eLng sql.NullFloat64
		var attrs []byte
		var upd sql.NullTime
		if err := rows.Scan(&s.ID, &s.TripID, &s.Seq, &sLat, &sLng, &eLat, &eLng, &attrs, &s.RoadKm, &s.DriveSec, &s.Polyline, &s.RouteBackend, &upd); err != nil {
			return nil, err
		}
		s.Start, s.End = pointOf(sLat, sLng), pointOf(eLat, eLng)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &s.Attrs); err != nil {
				return nil, fmt.Errorf("segment %s attrs: %w", s.ID, err)
			}
		}
		s.UpdatedAt = timePtr(upd)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSegmentRoute(ctx context.Context, segmentID string, r model.SegmentRoute, force bool, now time.Time) (bool, error) {
	if !validID(segmentID) {
		return false, ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trip_segments SET road_km=$2, drive_sec=$3, polyline=$4, route_backend=$5, updated_at=$6
        WHERE id=$1 AND ($7::boolean OR (COALESCE(route_backend,'') IN ('','haversine')
            AND (COALESCE(road_km,0) <= 0 OR COALESCE(drive_sec,0) <= 0 OR COALESCE(polyline,'') = '')))`,
		segmentID, r.RoadKm, r.DriveSec, nullIfEmpty(r.Polyline), r.Backend, now, force)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Settle

func (p *Postgres) SettleLink(ctx context.Context, since, now time.Time) (int, error) {
	var n int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `WITH pick AS (
                SELECT a.id,
                    (SELECT d.id FROM draft_trips d
                      WHERE d.truck_id = a.truck_id AND d.pushed = false
                      ORDER BY (d.trip_key = a.trip_key) DESC, d.created_at DESC LIMIT 1) AS draft_id
                FROM audit_records a
                WHERE a.decision = 'accept' AND a.applied = false AND a.created_at >= $1
            )
            UPDATE audit_records a
            SET applied = true, applied_at = $2, draft_id = pick.draft_id, applied_error = $3::text || pick.draft_id::text
            FROM pick
            WHERE a.id = pick.id AND pick.draft_id IS NOT NULL AND a.decision = 'accept' AND a.applied = false`,
			since, now, noteLinkPrefix)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (p *Postgres) SettleAgeOut(ctx context.Context, since, staleBefore, now time.Time) (int, error) {
	var n int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE audit_records SET applied=true, applied_at=$3, draft_id=NULL, applied_error=$4
            WHERE decision='accept' AND applied=false AND created_at >= $1 AND created_at <= $2`, since, staleBefore, now, noteAgedTail)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (p *Postgres) BacklogStats(ctx context.Context, since time.Time) (model.BacklogStats, error) {
	st := model.BacklogStats{Since: since}
	var oldest sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT
            COUNT(*) FILTER (WHERE applied = false AND NOT (COALESCE(applied_error,'') LIKE $2 OR COALESCE(applied_error,'') LIKE $3)),
            COUNT(*) FILTER (WHERE COALESCE(applied_error,'') LIKE $2 OR COALESCE(applied_error,'') LIKE $3),
            MIN(created_at) FILTER (WHERE applied = false AND NOT (COALESCE(applied_error,'') LIKE $2 OR COALESCE(applied_error,'') LIKE $3))
        FROM audit_records WHERE decision='accept' AND created_at >= $1`,
		since, model.NoteLinked+"%", model.NoteSettled+"%").Scan(&st.Unapplied, &st.Annotated, &oldest)
	if err != nil {
		return st, err
	}
	st.Oldest = timePtr(oldest)
	return st, nil
}

// Route cache

func (p *Postgres) GetRouteCache(ctx context.Context, key model.RouteKey, freshSince time.Time) (model.RouteCacheEntry, bool, error) {
	e := model.RouteCacheEntry{Key: key}
	err := p.db.QueryRowContext(ctx, `SELECT distance_m, duration_s, COALESCE(polyline,''), updated_at FROM route_cache
        WHERE src_lat=$1 AND src_lng=$2 AND dst_lat=$3 AND dst_lng=$4 AND profile=$5 AND updated_at >= $6`,
		key.SrcLat, key.SrcLng, key.DstLat, key.DstLng, key.Profile, freshSince).Scan(&e.DistanceM, &e.DurationS, &e.Polyline, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RouteCacheEntry{}, false, nil
	}
	if err != nil {
		return model.RouteCacheEntry{}, false, err
	}
	return e, true, nil
}

func (p *Postgres) PutRouteCache(ctx context.Context, e model.RouteCacheEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO route_cache (src_lat, src_lng, dst_lat, dst_lng, profile, distance_m, duration_s, polyline, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (src_lat, src_lng, dst_lat, dst_lng, profile)
        DO UPDATE SET distance_m=EXCLUDED.distance_m, duration_s=EXCLUDED.duration_s, polyline=EXCLUDED.polyline, updated_at=EXCLUDED.updated_at`,
		e.Key.SrcLat, e.Key.SrcLng, e.Key.DstLat, e.Key.DstLng, e.Key.Profile, e.DistanceM, e.DurationS, nullIfEmpty(e.Polyline), e.UpdatedAt)
	return err
}

// Runs

func (p *Postgres) SaveRun(ctx context.Context, run model.AutoplanRun) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO autoplan_runs (id, started_at, finished_at, summary) VALUES ($1,$2,$3,$4)
        ON CONFLICT (id) DO UPDATE SET finished_at=EXCLUDED.finished_at, summary=EXCLUDED.summary`,
		run.ID, run.StartedAt, nullTime(run.FinishedAt), string(run.JSON()))
	return err
}

func (p *Postgres) scanRun(row *sql.Row) (model.AutoplanRun, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AutoplanRun{}, ErrNotFound
		}
		return model.AutoplanRun{}, err
	}
	var r model.AutoplanRun
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.AutoplanRun{}, err
	}
	return r, nil
}

func (p *Postgres) LatestRun(ctx context.Context) (model.AutoplanRun, error) {
	return p.scanRun(p.db.QueryRowContext(ctx, `SELECT summary FROM autoplan_runs ORDER BY started_at DESC LIMIT 1`))
}

func (p *Postgres) GetRun(ctx context.Context, id string) (model.AutoplanRun, error) {
	if !validID(id) {
		return model.AutoplanRun{}, ErrNotFound
	}
	return p.scanRun(p.db.QueryRowContext(ctx, `SELECT summary FROM autoplan_runs WHERE id=$1`, id))
}

func validID(id string) bool { _, err := uuid.Parse(id); return err == nil }

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func latOf(p *model.GeoPoint) any {
	if p == nil {
		return nil
	}
	return p.Lat
}

func lngOf(p *model.GeoPoint) any {
	if p == nil {
		return nil
	}
	return p.Lng
}

func pointOf(lat, lng sql.NullFloat64) *model.GeoPoint {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
}

func regionOrigin(r *model.RegionInfo) any {
	if r == nil {
		return nil
	}
	return nullIfEmpty(r.Origin)
}

func regionDest(r *model.RegionInfo) any {
	if r == nil {
		return nil
	}
	return nullIfEmpty(r.Destination)
}

func attrsJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
