// Package policy resolves the confirmation eligibility predicate: the load
// window around now and the p_arrive and RPM floors.
package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"autoplan/internal/logger"
	"autoplan/internal/model"
)

const (
	SourceStatic  = "static"
	SourceDynamic = "dynamic"
)

type DynamicRPM struct {
	Enabled  bool
	Quantile float64
	// Floor clamps the market quantile from below.
	Floor      float64
	Lookback   time.Duration
	MinSamples int
}

type Thresholds struct {
	PMin            float64
	RPMMin          float64
	HorizonHours    float64
	FreezeHours     float64
	AllowedStatuses []model.TripStatus
	Dynamic         DynamicRPM
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PMin:            0.45,
		RPMMin:          100,
		HorizonHours:    24,
		FreezeHours:     2,
		AllowedStatuses: []model.TripStatus{model.StatusDraft},
		Dynamic:         DynamicRPM{Quantile: 0.25, Floor: 80, Lookback: 72 * time.Hour, MinSamples: 20},
	}
}

func (t Thresholds) Validate() error {
	if t.PMin < 0 || t.PMin > 1 {
		return fmt.Errorf("p_min %.3f outside [0,1]", t.PMin)
	}
	if t.RPMMin < 0 {
		return fmt.Errorf("rpm_min %.2f is negative", t.RPMMin)
	}
	if t.FreezeHours < 0 || t.HorizonHours <= t.FreezeHours {
		return fmt.Errorf("freeze_hours %.1f must be >= 0 and below horizon_hours %.1f", t.FreezeHours, t.HorizonHours)
	}
	if len(t.AllowedStatuses) == 0 {
		return fmt.Errorf("allowed_statuses is empty")
	}
	for _, s := range t.AllowedStatuses {
		if _, ok := model.ParseStatus(string(s)); !ok {
			return fmt.Errorf("unknown status %q in allowed_statuses", s)
		}
		if !s.SourceStatus() {
			return fmt.Errorf("status %q in allowed_statuses is not a confirm source", s)
		}
	}
	if t.Dynamic.Enabled && (t.Dynamic.Quantile <= 0 || t.Dynamic.Quantile >= 1) {
		return fmt.Errorf("dynamic_rpm.quantile %.3f outside (0,1)", t.Dynamic.Quantile)
	}
	return nil
}

// RPMSource supplies recent market RPM observations.
type RPMSource interface {
	RecentRPMs(ctx context.Context, since time.Time) ([]float64, error)
}

type Policy struct {
	T   Thresholds
	RPM RPMSource
	Log logger.Logger
}

func New(t Thresholds, src RPMSource, log logger.Logger) *Policy {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Policy{T: t, RPM: src, Log: log}
}

// Criteria resolves the predicate for now. The window [now+freeze, now+horizon]
// is inclusive at both ends.
func (p *Policy) Criteria(ctx context.Context, now time.Time) (model.ConfirmCriteria, model.Thresholds) {
	rpmMin, source := p.rpmFloor(ctx, now)
	crit := model.ConfirmCriteria{
		AllowedStatuses: append([]model.TripStatus(nil), p.T.AllowedStatuses...),
		PMin:            p.T.PMin,
		RPMMin:          rpmMin,
		WindowStart:     now.Add(hours(p.T.FreezeHours)),
		WindowEnd:       now.Add(hours(p.T.HorizonHours)),
	}
	eff := model.Thresholds{
		PMin:         crit.PMin,
		RPMMin:       crit.RPMMin,
		StaticRPMMin: p.T.RPMMin,
		RPMSource:    source,
		FreezeHours:  p.T.FreezeHours,
		HorizonHours: p.T.HorizonHours,
		WindowStart:  crit.WindowStart,
		WindowEnd:    crit.WindowEnd,
	}
	return crit, eff
}

// rpmFloor picks the static floor unless dynamic mode has enough samples.
// A dynamic floor below the static one is used as computed and only warned.
func (p *Policy) rpmFloor(ctx context.Context, now time.Time) (float64, string) {
	d := p.T.Dynamic
	if !d.Enabled || p.RPM == nil {
		return p.T.RPMMin, SourceStatic
	}
	rpms, err := p.RPM.RecentRPMs(ctx, now.Add(-d.Lookback))
	if err != nil {
		p.Log.Warnf("dynamic rpm: %v; using static floor %.2f", err, p.T.RPMMin)
		return p.T.RPMMin, SourceStatic
	}
	floor, ok := DynamicFloor(rpms, d)
	if !ok {
		p.Log.Debugf("dynamic rpm: %d samples below minimum %d; using static floor", len(rpms), d.MinSamples)
		return p.T.RPMMin, SourceStatic
	}
	if floor < p.T.RPMMin {
		p.Log.Warnf("dynamic rpm floor %.2f is below static floor %.2f (q=%.2f, n=%d)", floor, p.T.RPMMin, d.Quantile, len(rpms))
	}
	return floor, SourceDynamic
}

// DynamicFloor is the empirical quantile of rpms clamped to d.Floor.
func DynamicFloor(rpms []float64, d DynamicRPM) (float64, bool) {
	min := d.MinSamples
	if min <= 0 {
		min = 1
	}
	if len(rpms) < min {
		return 0, false
	}
	xs := append([]float64(nil), rpms...)
	sort.Float64s(xs)
	q := stat.Quantile(d.Quantile, stat.Empirical, xs, nil)
	if q < d.Floor {
		q = d.Floor
	}
	return q, true
}

// Snapshot is the diagnostic attached to a not-eligible outcome.
type Snapshot struct {
	Status     model.TripStatus `json:"status"`
	LoadStart  time.Time        `json:"loadStart"`
	PArrive    float64          `json:"pArrive"`
	RPM        float64          `json:"rpm"`
	Thresholds model.Thresholds `json:"thresholds"`
	Failures   []model.Failure  `json:"failures"`
}

// Diagnose lists every threshold the trip fails under crit.
func Diagnose(trip model.Trip, draft *model.DraftTrip, crit model.ConfirmCriteria, eff model.Thresholds) Snapshot {
	s := Snapshot{Status: trip.Status, LoadStart: trip.LoadStart, Thresholds: eff, Failures: crit.Check(trip, draft)}
	if draft != nil {
		s.PArrive, s.RPM = draft.PArrive, draft.RPM
	}
	return s
}

// Decision is the metadata written on a successful confirm.
func Decision(eff model.Thresholds) model.ConfirmationDecision {
	return model.ConfirmationDecision{
		PMin:        eff.PMin,
		RPMMin:      eff.RPMMin,
		Source:      eff.RPMSource,
		WindowStart: eff.WindowStart,
		WindowEnd:   eff.WindowEnd,
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
