package autoplan

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/model"
	"autoplan/internal/routecache"
	"autoplan/internal/routing"
	"autoplan/internal/store"
)

// EnrichSummary reports one trip's enrichment. Failures are counted here,
// never returned.
type EnrichSummary struct {
	TripID   string   `json:"tripId"`
	Selected int      `json:"selected"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Cached   int      `json:"cached"`
	Fallback int      `json:"fallback"`
	Errors   []string `json:"errors,omitempty"`
	// Unresolvable counts segments without usable endpoints.
	Unresolvable int `json:"unresolvable"`
}

// Unroutable reports that segments needed routing and none ever can be.
func (s EnrichSummary) Unroutable() bool {
	return s.Selected > 0 && s.Unresolvable == s.Selected
}

type Enricher struct {
	Store        store.Store
	Cache        *routecache.Cache
	Router       routing.Router
	Profile      string
	Workers      int
	SampleErrors int
	Log          logger.Logger
	Now          func() time.Time
}

func NewEnricher(s store.Store, cache *routecache.Cache, router routing.Router, profile string, log logger.Logger) *Enricher {
	if log == nil {
		log = logger.NopLogger{}
	}
	if profile == "" {
		profile = routing.DefaultProfile
	}
	return &Enricher{
		Store: s, Cache: cache, Router: router, Profile: profile,
		Workers: 4, SampleErrors: 5, Log: log,
		Now: func() time.Time { return time.Now().UTC() },
	}
}

// EnrichTrip fills road_km, drive_sec and polyline on the trip's segments.
// Without force only segments missing one of them are touched. Each
// segment is independent of its siblings.
func (e *Enricher) EnrichTrip(ctx context.Context, tripID string, force bool) EnrichSummary {
	sum := EnrichSummary{TripID: tripID}
	segs, err := e.Store.ListSegments(ctx, tripID)
	if err != nil {
		sum.Failed++
		e.sample(&sum, storeErr("list segments", tripID, err))
		e.Log.Warnf("enrich %s: %v", tripID, err)
		return sum
	}
	for _, seg := range segs {
		if !force && !seg.NeedsRoute() {
			continue
		}
		sum.Selected++
		e.enrichSegment(ctx, seg, force, &sum)
	}
	if sum.Selected > 0 {
		note := model.EnrichmentNote{Updated: sum.Updated, Failed: sum.Failed, At: e.Now()}
		if err := e.Store.SetTripEnrichment(ctx, tripID, note); err != nil {
			e.Log.Warnf("enrich %s: record note: %v", tripID, err)
		}
	}
	metrics.StageRows.WithLabelValues(StageEnrich, "updated").Add(float64(sum.Updated))
	metrics.StageRows.WithLabelValues(StageEnrich, "failed").Add(float64(sum.Failed))
	e.Log.Infof("enrich %s: selected=%d updated=%d cached=%d fallback=%d skipped=%d failed=%d",
		tripID, sum.Selected, sum.Updated, sum.Cached, sum.Fallback, sum.Skipped, sum.Failed)
	return sum
}

func (e *Enricher) enrichSegment(ctx context.Context, seg model.TripSegment, force bool, sum *EnrichSummary) {
	origin, dest, ok := seg.ResolveEndpoints()
	if !ok {
		sum.Skipped++
		sum.Unresolvable++
		return
	}
	var (
		r      routing.Result
		cached bool
		err    error
	)
	if e.Cache != nil {
		r, cached, err = e.Cache.Lookup(ctx, origin, dest, e.Profile, e.Router)
	} else {
		r, err = e.Router.Route(ctx, origin, dest, e.Profile)
	}
	if err != nil {
		sum.Failed++
		if errors.Is(err, routing.ErrInvalidCoordinate) {
			sum.Unresolvable++
		}
		e.sample(sum, err)
		return
	}
	if cached {
		sum.Cached++
	}
	if r.IsFallback() {
		sum.Fallback++
	}
	route := model.SegmentRoute{
		RoadKm:   r.DistanceM / 1000,
		DriveSec: int(math.Round(r.DurationS)),
		Polyline: r.Polyline,
		Backend:  r.Backend,
	}
	updated, err := e.Store.UpdateSegmentRoute(ctx, seg.ID, route, force, e.Now())
	switch {
	case err != nil:
		sum.Failed++
		e.sample(sum, storeErr("update segment", seg.ID, err))
	case updated:
		sum.Updated++
	default:
		// another worker filled it first
		sum.Skipped++
	}
}

// EnrichMissing sweeps confirmed and in-progress trips that still have a
// segment without a route, a bounded number of trips at a time.
func (e *Enricher) EnrichMissing(ctx context.Context, limit int) (model.StageSummary, error) {
	out := model.StageSummary{Stage: StageEnrich}
	ids, err := e.Store.ListTripsNeedingRoutes(ctx, limit)
	if err != nil {
		err = storeErr("list trips needing routes", "", err)
		out.Failed++
		out.Errors = []string{err.Error()}
		return out, err
	}
	out.Selected = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	workers := e.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			s := e.EnrichTrip(gctx, id, false)
			mu.Lock()
			defer mu.Unlock()
			out.Updated += s.Updated
			out.Skipped += s.Skipped
			out.Failed += s.Failed
			for _, msg := range s.Errors {
				if len(out.Errors) < e.sampleN() {
					out.Errors = append(out.Errors, msg)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	e.Log.Infof("enrich_routes: trips=%d segments updated=%d failed=%d", out.Selected, out.Updated, out.Failed)
	return out, nil
}

func (e *Enricher) sampleN() int {
	if e.SampleErrors <= 0 {
		return 5
	}
	return e.SampleErrors
}

func (e *Enricher) sample(sum *EnrichSummary, err error) {
	if len(sum.Errors) < e.sampleN() {
		sum.Errors = append(sum.Errors, err.Error())
	}
}
