// Package autoplan runs the dispatch pipeline: audit, apply, push to trips
// and confirm, followed by routing enrichment of confirmed trips. Every
// stage is safe to re-run; progress is tracked per row in the store.
package autoplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoplan/internal/feed"
	"autoplan/internal/logger"
	"autoplan/internal/metrics"
	"autoplan/internal/model"
	"autoplan/internal/policy"
	"autoplan/internal/store"
)

const (
	StageAudit   = "audit"
	StageApply   = "apply"
	StagePush    = "push_to_trips"
	StageConfirm = "confirm"
	StageEnrich  = "enrich"
)

// Confirm outcomes.
const (
	OutcomeConfirmed    = "confirmed"
	OutcomeAlready      = "already"
	OutcomeNotFound     = "not_found"
	OutcomeInvalidState = "invalid_state"
	OutcomeNotEligible  = "not_eligible"
	OutcomeError        = "error"
)

type Options struct {
	Limit        int
	PushHorizon  time.Duration
	AsyncEnrich  bool
	EnrichQueue  int
	SampleErrors int
	// FailUnroutable moves a confirmed trip to error when none of its
	// segments can ever be routed.
	FailUnroutable bool
}

func DefaultOptions() Options {
	return Options{Limit: 100, PushHorizon: 48 * time.Hour, AsyncEnrich: true, EnrichQueue: 256, SampleErrors: 5}
}

// Notifier receives run lifecycle events for live operator views.
type Notifier interface {
	Notify(kind string, data map[string]any)
}

type Chain struct {
	Store    store.Store
	Policy   *policy.Policy
	Enricher *Enricher
	Feed     feed.Feed
	Events   Notifier
	Log      logger.Logger
	Now      func() time.Time

	opts  Options
	queue chan string
	stop  chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
	alive bool
}

func NewChain(s store.Store, p *policy.Policy, e *Enricher, opts Options, log logger.Logger) *Chain {
	def := DefaultOptions()
	if opts.Limit <= 0 {
		opts.Limit = def.Limit
	}
	if opts.PushHorizon <= 0 {
		opts.PushHorizon = def.PushHorizon
	}
	if opts.EnrichQueue <= 0 {
		opts.EnrichQueue = def.EnrichQueue
	}
	if opts.SampleErrors <= 0 {
		opts.SampleErrors = def.SampleErrors
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Chain{Store: s, Policy: p, Enricher: e, Log: log, Now: func() time.Time { return time.Now().UTC() }, opts: opts}
}

func (c *Chain) Options() Options { return c.opts }

// Audit appends one audit row per candidate. Candidates that cannot become
// a draft are recorded as rejects.
func (c *Chain) Audit(ctx context.Context, cands []model.Candidate) (model.StageSummary, error) {
	sum := model.StageSummary{Stage: StageAudit, Selected: len(cands)}
	if len(cands) == 0 {
		return sum, nil
	}
	now := c.Now()
	recs := make([]model.AuditRecord, 0, len(cands))
	for _, cand := range cands {
		dec := cand.Decision
		if dec == "" {
			dec = model.DecisionAccept
		}
		if dec == model.DecisionAccept && !draftable(cand) {
			dec = model.DecisionReject
		}
		if dec != model.DecisionAccept {
			sum.Skipped++
		}
		cand.Decision = dec
		recs = append(recs, model.AuditRecord{
			TruckID: cand.TruckID, TripKey: cand.TripKey, Decision: dec,
			PArrive: cand.PArrive, RPM: cand.RPM, Candidate: cand, CreatedAt: now,
		})
	}
	out, err := c.Store.InsertAudits(ctx, recs)
	if err != nil {
		err = storeErr("insert audits", "", err)
		c.fail(&sum, err)
		sum.Failed = len(recs)
		c.Log.Errorf("audit: %v", err)
		return sum, err
	}
	sum.Updated = len(out)
	metrics.StageRows.WithLabelValues(StageAudit, "inserted").Add(float64(len(out)))
	c.Log.Infof("audit: %d candidates recorded, %d non-accept", sum.Updated, sum.Skipped)
	return sum, nil
}

func draftable(c model.Candidate) bool {
	return c.TruckID != "" && c.TripKey != "" && !c.LoadStart.IsZero() && c.Origin.Valid() && c.Destination.Valid()
}

// Apply turns unapplied accept audits into drafts. A failure on one row is
// recorded and the rest of the batch continues.
func (c *Chain) Apply(ctx context.Context, limit int) (model.StageSummary, error) {
	sum := model.StageSummary{Stage: StageApply}
	if limit <= 0 {
		limit = c.opts.Limit
	}
	rows, err := c.Store.ListUnappliedAccepts(ctx, limit)
	if err != nil {
		err = storeErr("list unapplied accepts", "", err)
		c.fail(&sum, err)
		return sum, err
	}
	sum.Selected = len(rows)
	now := c.Now()
	for _, a := range rows {
		d := a.Candidate.Draft()
		d.TruckID, d.TripKey, d.PArrive, d.RPM = a.TruckID, a.TripKey, a.PArrive, a.RPM
		_, applied, err := c.Store.ApplyAudit(ctx, a.ID, d, now)
		switch {
		case err != nil:
			c.rowFail(&sum, StageApply, storeErr("apply audit", a.ID, err))
		case applied:
			sum.Updated++
			metrics.StageRows.WithLabelValues(StageApply, "applied").Inc()
		default:
			sum.Skipped++
			metrics.StageRows.WithLabelValues(StageApply, "skipped").Inc()
		}
	}
	c.Log.Infof("apply: selected=%d applied=%d skipped=%d failed=%d", sum.Selected, sum.Updated, sum.Skipped, sum.Failed)
	return sum, nil
}

// PushToTrips materializes unpushed drafts whose load starts within the
// push horizon. The store's pushed latch guarantees one trip per draft.
func (c *Chain) PushToTrips(ctx context.Context, limit int) (model.StageSummary, error) {
	sum := model.StageSummary{Stage: StagePush}
	if limit <= 0 {
		limit = c.opts.Limit
	}
	now := c.Now()
	drafts, err := c.Store.ListPushableDrafts(ctx, now, now.Add(c.opts.PushHorizon), limit)
	if err != nil {
		err = storeErr("list pushable drafts", "", err)
		c.fail(&sum, err)
		return sum, err
	}
	sum.Selected = len(drafts)
	for _, d := range drafts {
		trip, segs := Materialize(d)
		_, claimed, err := c.Store.PushDraft(ctx, d.ID, trip, segs, now)
		switch {
		case err != nil:
			c.rowFail(&sum, StagePush, storeErr("push draft", d.ID, err))
		case claimed:
			sum.Updated++
			metrics.StageRows.WithLabelValues(StagePush, "pushed").Inc()
		default:
			sum.Skipped++
			metrics.StageRows.WithLabelValues(StagePush, "skipped").Inc()
		}
	}
	c.Log.Infof("push_to_trips: selected=%d pushed=%d skipped=%d failed=%d", sum.Selected, sum.Updated, sum.Skipped, sum.Failed)
	return sum, nil
}

// Materialize builds the trip and its legs from a draft: an empty leg from
// the truck's position to pickup when known, then the loaded leg.
func Materialize(d model.DraftTrip) (model.Trip, []model.TripSegment) {
	trip := model.Trip{
		TruckID:     d.TruckID,
		DraftID:     d.ID,
		Status:      model.StatusDraft,
		LoadStart:   d.LoadStart,
		LoadEnd:     d.LoadEnd,
		UnloadStart: d.UnloadStart,
		UnloadEnd:   d.UnloadEnd,
		Meta:        model.TripMeta{Region: d.Region, Price: d.Price},
	}
	var segs []model.TripSegment
	origin, dest := d.Origin, d.Destination
	if d.TruckPos != nil {
		pos := *d.TruckPos
		segs = append(segs, model.TripSegment{Seq: 1, Start: &pos, End: &origin, Attrs: map[string]any{"kind": "empty"}})
	}
	segs = append(segs, model.TripSegment{Seq: len(segs) + 1, Start: &origin, End: &dest, Attrs: map[string]any{"kind": "loaded"}})
	return trip, segs
}

// ConfirmResult is the structured outcome of one confirm attempt.
type ConfirmResult struct {
	TripID   string                      `json:"tripId"`
	Outcome  string                      `json:"outcome"`
	Current  model.TripStatus            `json:"current,omitempty"`
	Trip     *model.Trip                 `json:"trip,omitempty"`
	Decision *model.ConfirmationDecision `json:"decision,omitempty"`
	Snapshot *policy.Snapshot            `json:"snapshot,omitempty"`
	Enrich   *EnrichSummary              `json:"enrich,omitempty"`
	Err      error                       `json:"-"`
}

// Confirmed is true for a fresh confirm and for an idempotent repeat.
func (r ConfirmResult) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed || r.Outcome == OutcomeAlready
}

// Already reports that the trip had been confirmed before this call.
func (r ConfirmResult) Already() bool { return r.Outcome == OutcomeAlready }

// Confirm evaluates every trip in an allowed source status.
func (c *Chain) Confirm(ctx context.Context, limit int) (model.ConfirmStats, []ConfirmResult, error) {
	st := model.ConfirmStats{StageSummary: model.StageSummary{Stage: StageConfirm}}
	if limit <= 0 {
		limit = c.opts.Limit
	}
	now := c.Now()
	crit, eff := c.Policy.Criteria(ctx, now)
	st.Thresholds = eff

	var trips []model.Trip
	for _, status := range crit.AllowedStatuses {
		if !status.SourceStatus() {
			continue
		}
		batch, err := c.Store.ListTripsByStatus(ctx, status, limit-len(trips))
		if err != nil {
			err = storeErr("list trips", string(status), err)
			c.fail(&st.StageSummary, err)
			return st, nil, err
		}
		trips = append(trips, batch...)
		if len(trips) >= limit {
			break
		}
	}
	st.Selected = len(trips)
	results := make([]ConfirmResult, 0, len(trips))
	for _, t := range trips {
		res := c.confirmOne(ctx, t.ID, crit, eff, now)
		results = append(results, res)
		metrics.StageRows.WithLabelValues(StageConfirm, res.Outcome).Inc()
		switch res.Outcome {
		case OutcomeConfirmed:
			st.Confirmed++
			st.Updated++
		case OutcomeAlready:
			st.Already++
			st.Skipped++
		case OutcomeNotEligible:
			st.NotEligible++
			st.Skipped++
		case OutcomeInvalidState:
			st.InvalidState++
			st.Skipped++
		case OutcomeNotFound:
			st.NotFound++
			st.Skipped++
		default:
			st.Failed++
			c.sample(&st.StageSummary, res.Err)
		}
	}
	c.Log.Infof("confirm: selected=%d confirmed=%d already=%d not_eligible=%d invalid_state=%d failed=%d p_min=%.3f rpm_min=%.2f (%s) window=[%s, %s]",
		st.Selected, st.Confirmed, st.Already, st.NotEligible, st.InvalidState, st.Failed,
		eff.PMin, eff.RPMMin, eff.RPMSource, eff.WindowStart.Format(time.RFC3339), eff.WindowEnd.Format(time.RFC3339))
	return st, results, nil
}

// ConfirmTrip confirms one trip for an operator. Expected outcomes other
// than confirmed or already come back as typed errors.
func (c *Chain) ConfirmTrip(ctx context.Context, id string) (ConfirmResult, error) {
	now := c.Now()
	crit, eff := c.Policy.Criteria(ctx, now)
	res := c.confirmOne(ctx, id, crit, eff, now)
	metrics.StageRows.WithLabelValues(StageConfirm, res.Outcome).Inc()
	return res, res.Err
}

func (c *Chain) confirmOne(ctx context.Context, id string, crit model.ConfirmCriteria, eff model.Thresholds, now time.Time) ConfirmResult {
	res := ConfirmResult{TripID: id}
	trip, ok, err := c.Store.ConfirmTrip(ctx, id, crit, policy.Decision(eff), now)
	if err != nil {
		res.Outcome, res.Err = OutcomeError, storeErr("confirm trip", id, err)
		c.Log.Warnf("confirm %s: %v", id, res.Err)
		return res
	}
	if ok {
		res.Outcome, res.Trip, res.Decision = OutcomeConfirmed, &trip, trip.Meta.Confirmation
		c.notify("trip.confirmed", map[string]any{"tripId": id})
		c.afterConfirm(ctx, &res)
		return res
	}

	// nothing matched; work out why
	cur, err := c.Store.GetTrip(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		res.Outcome, res.Err = OutcomeNotFound, fmt.Errorf("trip %s: %w", id, store.ErrNotFound)
		return res
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeError, storeErr("get trip", id, err)
		return res
	}
	res.Trip, res.Current = &cur, cur.Status
	if cur.Status == model.StatusConfirmed {
		res.Outcome, res.Decision = OutcomeAlready, cur.Meta.Confirmation
		return res
	}
	if !crit.StatusAllowed(cur.Status) {
		res.Outcome = OutcomeInvalidState
		res.Err = &InvalidStateError{TripID: id, Current: cur.Status, Wanted: crit.AllowedStatuses}
		return res
	}
	var draft *model.DraftTrip
	if cur.DraftID != "" {
		d, err := c.Store.GetDraft(ctx, cur.DraftID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			res.Outcome, res.Err = OutcomeError, storeErr("get draft", cur.DraftID, err)
			return res
		}
		if err == nil {
			draft = &d
		}
	}
	snap := policy.Diagnose(cur, draft, crit, eff)
	res.Outcome, res.Snapshot = OutcomeNotEligible, &snap
	res.Err = &NotEligibleError{TripID: id, Snapshot: snap}
	return res
}

// afterConfirm hands the trip to enrichment. Nothing here can undo the
// confirm.
func (c *Chain) afterConfirm(ctx context.Context, res *ConfirmResult) {
	if c.Enricher == nil {
		return
	}
	if c.opts.AsyncEnrich && c.enqueue(res.TripID) {
		return
	}
	sum := c.Enricher.EnrichTrip(ctx, res.TripID, false)
	res.Enrich = &sum
	c.handleUnroutable(ctx, sum)
}

func (c *Chain) handleUnroutable(ctx context.Context, sum EnrichSummary) {
	if !c.opts.FailUnroutable || !sum.Unroutable() {
		return
	}
	if _, err := c.FailTrip(ctx, sum.TripID); err != nil {
		c.Log.Warnf("mark unroutable trip %s as error: %v", sum.TripID, err)
		return
	}
	c.Log.Warnf("trip %s has no routable segment; status set to error", sum.TripID)
}

// Start launches the asynchronous enrichment pool.
func (c *Chain) Start(workers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive || c.Enricher == nil {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	c.queue = make(chan string, c.opts.EnrichQueue)
	c.stop = make(chan struct{})
	c.alive = true
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.enrichLoop()
	}
}

// Stop drains queued trips and waits for the pool.
func (c *Chain) Stop() {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.alive = false
	close(c.stop)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Chain) enqueue(tripID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	select {
	case c.queue <- tripID:
		return true
	default:
		// the enrich_routes sweep picks it up later
		c.Log.Warnf("enrich queue full; trip %s deferred", tripID)
		return true
	}
}

func (c *Chain) enrichLoop() {
	defer c.wg.Done()
	for {
		select {
		case id := <-c.queue:
			c.enrichAsync(id)
		case <-c.stop:
			for {
				select {
				case id := <-c.queue:
					c.enrichAsync(id)
				default:
					return
				}
			}
		}
	}
}

func (c *Chain) enrichAsync(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	sum := c.Enricher.EnrichTrip(ctx, id, false)
	c.handleUnroutable(ctx, sum)
}

// StartTrip moves a confirmed trip to in_progress. Repeating it is a no-op.
func (c *Chain) StartTrip(ctx context.Context, id string) (model.Trip, error) {
	return c.transition(ctx, id, model.StatusConfirmed, model.StatusInProgress)
}

// FinishTrip moves an in_progress trip to finished. Repeating it is a no-op.
func (c *Chain) FinishTrip(ctx context.Context, id string) (model.Trip, error) {
	return c.transition(ctx, id, model.StatusInProgress, model.StatusFinished)
}

// FailTrip marks a confirmed trip as error.
func (c *Chain) FailTrip(ctx context.Context, id string) (model.Trip, error) {
	return c.transition(ctx, id, model.StatusConfirmed, model.StatusError)
}

func (c *Chain) transition(ctx context.Context, id string, from, to model.TripStatus) (model.Trip, error) {
	t, ok, err := c.Store.TransitionTrip(ctx, id, from, to, c.Now())
	if errors.Is(err, store.ErrNotFound) {
		return model.Trip{}, fmt.Errorf("trip %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.Trip{}, storeErr("transition trip", id, err)
	}
	if ok {
		c.notify("trip."+string(to), map[string]any{"tripId": id})
		return t, nil
	}
	if t.Status == to {
		return t, nil
	}
	return t, &InvalidStateError{TripID: id, Current: t.Status, Wanted: []model.TripStatus{from}}
}

// RunOptions control one full pass of the chain.
type RunOptions struct {
	Limit int
	// Since bounds the feed fetch; zero means since the previous run.
	Since time.Time
}

// Run executes audit, apply, push and confirm in order and persists the
// summary. A stage that fails outright is recorded and the next one still
// runs.
func (c *Chain) Run(ctx context.Context, o RunOptions) model.AutoplanRun {
	run := model.AutoplanRun{ID: uuid.New().String(), StartedAt: c.Now()}
	c.notify("run.started", map[string]any{"runId": run.ID})
	var errs []string
	note := func(stage string, err error) {
		if err != nil {
			errs = append(errs, stage+": "+err.Error())
		}
	}

	if c.Feed != nil {
		since := o.Since
		if since.IsZero() {
			since = c.previousRunStart(ctx, run.StartedAt)
		}
		cands, err := c.Feed.Fetch(ctx, since)
		if err != nil {
			c.Log.Errorf("feed %s: %v", c.Feed.Name(), err)
			note(StageAudit, err)
			run.Audit = model.StageSummary{Stage: StageAudit, Failed: 1, Errors: []string{err.Error()}}
		} else {
			var aerr error
			run.Audit, aerr = c.Audit(ctx, cands)
			note(StageAudit, aerr)
		}
	} else {
		run.Audit = model.StageSummary{Stage: StageAudit}
	}

	var err error
	run.Apply, err = c.Apply(ctx, o.Limit)
	note(StageApply, err)
	run.Push, err = c.PushToTrips(ctx, o.Limit)
	note(StagePush, err)
	var results []ConfirmResult
	run.Confirm, results, err = c.Confirm(ctx, o.Limit)
	note(StageConfirm, err)

	run.Enrich = model.StageSummary{Stage: StageEnrich}
	for _, r := range results {
		if r.Outcome != OutcomeConfirmed {
			continue
		}
		run.Enrich.Selected++
		if r.Enrich != nil {
			run.Enrich.Updated += r.Enrich.Updated
			run.Enrich.Failed += r.Enrich.Failed
			run.Enrich.Skipped += r.Enrich.Skipped
			for _, e := range r.Enrich.Errors {
				if len(run.Enrich.Errors) < c.opts.SampleErrors {
					run.Enrich.Errors = append(run.Enrich.Errors, e)
				}
			}
		}
	}

	run.FinishedAt = c.Now()
	run.Error = strings.Join(errs, "; ")
	if err := c.Store.SaveRun(ctx, run); err != nil {
		c.Log.Errorf("save run %s: %v", run.ID, err)
	}
	c.notify("run.finished", map[string]any{"runId": run.ID, "run": run})
	c.Log.Infof("run %s: audit=%d applied=%d pushed=%d confirmed=%d in %s",
		run.ID, run.Audit.Updated, run.Apply.Updated, run.Push.Updated, run.Confirm.Confirmed, run.FinishedAt.Sub(run.StartedAt))
	return run
}

func (c *Chain) previousRunStart(ctx context.Context, now time.Time) time.Time {
	prev, err := c.Store.LatestRun(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.Log.Warnf("latest run: %v", err)
		}
		return now.Add(-24 * time.Hour)
	}
	return prev.StartedAt
}

func (c *Chain) notify(kind string, data map[string]any) {
	if c.Events != nil {
		c.Events.Notify(kind, data)
	}
}

func (c *Chain) rowFail(sum *model.StageSummary, stage string, err error) {
	sum.Failed++
	c.sample(sum, err)
	metrics.StageRows.WithLabelValues(stage, "error").Inc()
	c.Log.Warnf("%s: %v", stage, err)
}

func (c *Chain) fail(sum *model.StageSummary, err error) {
	c.sample(sum, err)
	metrics.StageRows.WithLabelValues(sum.Stage, "error").Inc()
}

func (c *Chain) sample(sum *model.StageSummary, err error) {
	if err != nil && len(sum.Errors) < c.opts.SampleErrors {
		sum.Errors = append(sum.Errors, err.Error())
	}
}
